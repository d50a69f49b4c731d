package bridge

import "termbridge/internal/protocol"

// event is one input to the dispatch loop. Every producer (channel pumps,
// transport reader, timers, API callers, model calls) only enqueues.
type event interface{ isEvent() }

type evStdout struct{ data string }

type evStderr struct{ data string }

type evStderrFlush struct{}

type evClientMessage struct{ msg protocol.Message }

type evWrite struct {
	data string
	done chan error
}

type evChannelClosed struct{ err error }

type evTransportClosed struct{ err error }

type evTerminate struct{ reason string }

type evAIResult struct {
	queryID string
	query   string
	command string
	err     error
}

func (evStdout) isEvent()          {}
func (evStderr) isEvent()          {}
func (evStderrFlush) isEvent()     {}
func (evClientMessage) isEvent()   {}
func (evWrite) isEvent()           {}
func (evChannelClosed) isEvent()   {}
func (evTransportClosed) isEvent() {}
func (evTerminate) isEvent()       {}
func (evAIResult) isEvent()        {}
