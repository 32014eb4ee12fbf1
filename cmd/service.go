package cmd

import "log/slog"

type serviceAction int

const (
	serviceRestart serviceAction = iota
	serviceRebuild
)

type serviceRequest struct {
	action serviceAction
	reason string
}

// serviceController queues restart and rebuild requests from the mailbox
// for the main loop. Submission never blocks the poller; with a request
// already pending, later ones are dropped.
type serviceController struct {
	requests chan serviceRequest
}

func newServiceController() *serviceController {
	return &serviceController{requests: make(chan serviceRequest, 1)}
}

func (s *serviceController) Restart(reason string) {
	s.submit(serviceRequest{action: serviceRestart, reason: reason})
}

func (s *serviceController) Rebuild(reason string) {
	s.submit(serviceRequest{action: serviceRebuild, reason: reason})
}

func (s *serviceController) submit(req serviceRequest) {
	select {
	case s.requests <- req:
	default:
		slog.Debug("service request dropped, one already pending")
	}
}
