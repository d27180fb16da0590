package sync

import (
	"errors"
	"time"

	"github.com/PinkDiamond1/stacks-subnets/log"
)

var ErrInconsistentState = errors.New("state is inconsistent, try again later once the state is consolidated")

type RetryHandler struct {
	RetryAfterErrorPeriod      time.Duration
	MaxRetryAttemptsAfterError int
}

func (h *RetryHandler) Handle(funcName string, attempts int) {
	if h.MaxRetryAttemptsAfterError > -1 && attempts >= h.MaxRetryAttemptsAfterError {
		log.Fatalf(
			"%s failed too many times (%d)",
			funcName, h.MaxRetryAttemptsAfterError,
		)
	}
	time.Sleep(h.RetryAfterErrorPeriod)
}
