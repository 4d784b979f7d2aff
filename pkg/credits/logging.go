package credits

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation  string
	UserID     UserID
	Reference  string
	CreditType CreditPool
	Amount     int64
	Status     string
	Error      error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithRetryAttempts bounds how many times a transaction is attempted on transient store failures.
func WithRetryAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.retryAttempts = attempts
		}
	}
}

// WithResetScheduler overrides the default 30-day scheduler.
func WithResetScheduler(scheduler ResetScheduler) ServiceOption {
	return func(service *Service) {
		service.scheduler = scheduler
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
