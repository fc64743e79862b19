package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

const (
	ReasonGraphAccepted     = "GRAPH_ACCEPTED"
	ReasonGraphRateLimited  = "GRAPH_RATE_LIMITED"
	ReasonGraphProvider5xx  = "GRAPH_PROVIDER_5XX"
	ReasonGraphProvider4xx  = "GRAPH_PROVIDER_4XX"
	ReasonGraphTimeout      = "GRAPH_TIMEOUT"
	ReasonGraphNetworkError = "GRAPH_NETWORK_ERROR"
)

// ClassifyGraphResponse maps a sendMail HTTP response to an outcome. Only 202
// counts as accepted; any other status below 500 except 429 is permanent.
func ClassifyGraphResponse(status int, header http.Header, now time.Time) SendOutcome {
	raw := status
	outcome := SendOutcome{
		ProviderMessageID: graphRequestID(header),
		RetryAfterSeconds: ParseRetryAfter(header.Get("Retry-After"), now),
		RawStatus:         &raw,
	}

	switch {
	case status == http.StatusAccepted:
		outcome.Status, outcome.Reason = entity.StatusSent, ReasonGraphAccepted
	case status == http.StatusTooManyRequests:
		outcome.Status, outcome.Reason = entity.StatusRetryPending, ReasonGraphRateLimited
	case status >= http.StatusInternalServerError:
		outcome.Status, outcome.Reason = entity.StatusRetryPending, ReasonGraphProvider5xx
	default:
		outcome.Status, outcome.Reason = entity.StatusFailed, ReasonGraphProvider4xx
	}
	return outcome
}

// ClassifyGraphTransportError maps a failure to get any response at all.
func ClassifyGraphTransportError(err error) SendOutcome {
	reason := ReasonGraphNetworkError
	if isTimeout(err) {
		reason = ReasonGraphTimeout
	}
	return SendOutcome{Status: entity.StatusRetryPending, Reason: reason}
}

func graphRequestID(header http.Header) string {
	if id := header.Get("request-id"); id != "" {
		return id
	}
	return header.Get("client-request-id")
}

// isTimeout treats an expired deadline or a net timeout as a timeout. A
// cancelled context is not one.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
