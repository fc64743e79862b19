package service

import (
	"errors"

	"github.com/vibast-solutions/ms-go-mailer/app/reconcile"
)

var (
	ErrDuplicateMessageID = errors.New("message id already exists")
	ErrMessageNotFound    = errors.New("message not found")
	// ErrNotDeliverable is returned by Deliver for messages that are no
	// longer Queued or RetryPending. Queue consumers treat it as done.
	ErrNotDeliverable = errors.New("message is not deliverable")
	// ErrInvalidTransition matches every rejected status change.
	ErrInvalidTransition = reconcile.ErrInvalidTransition
)
