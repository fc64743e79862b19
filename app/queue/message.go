package queue

const (
	StreamName    = "notifications:email:send"
	ConsumerGroup = "email-consumers"
	// RetrySetName is a sorted set of message ids scored by their due unix time.
	RetrySetName = "notifications:email:retry"

	fieldMessageID = "message_id"
)
