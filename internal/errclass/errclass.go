// Package errclass maps raw failures to stable, user-safe display messages.
// Classification is independent of retry logic: by the time an error gets
// here, the retry policy has already given up on it.
//
// Two outputs for two audiences: Classify produces the short triple shown
// to users, OperatorDetail the full technical string for operator logs.
// The triple must never contain raw provider error text, stack traces or
// credentials.
package errclass

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dmitrijs2005/scanreport/internal/common"
)

// Triple is a user-safe description of a failure.
type Triple struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// String renders the triple as a single summary line, the form stored in a
// session's error summary.
func (t Triple) String() string {
	if t.Action == "" {
		return t.Title + ": " + t.Message
	}
	return t.Title + ": " + t.Message + " " + t.Action
}

// Classify matches err by provenance and returns the display triple.
// Unknown errors fall through to a generic message.
func Classify(err error) Triple {
	switch {
	case errors.Is(err, common.ErrorPollTimeout):
		return Triple{
			Title:   "Scan timed out",
			Message: "The scanning service did not produce a result in time.",
			Action:  "Please submit the URL again.",
		}
	case errors.Is(err, common.ErrorScanService):
		return Triple{
			Title:   "Scan failed",
			Message: "The URL scanning service could not process this request.",
			Action:  "Check that the URL is reachable and try again.",
		}
	case errors.Is(err, common.ErrorRenderer):
		return Triple{
			Title:   "Report generation failed",
			Message: "The scan finished but the report could not be rendered.",
			Action:  "Please try again in a few minutes.",
		}
	case errors.Is(err, common.ErrorBlobStore):
		return Triple{
			Title:   "Report storage failed",
			Message: "The report was generated but could not be saved.",
			Action:  "Please try again in a few minutes.",
		}
	case errors.Is(err, common.ErrorMirror):
		return Triple{
			Title:   "Temporary service issue",
			Message: "Part of the service is currently unavailable.",
			Action:  "Please try again later.",
		}
	case errors.Is(err, common.ErrorDelivery):
		return Triple{
			Title:   "Notification failed",
			Message: "The report is ready but the notification could not be sent.",
			Action:  "Download the report directly from this page.",
		}
	case errors.Is(err, common.ErrorNotFound):
		return Triple{
			Title:   "Scan not found",
			Message: "This scan no longer exists or has expired.",
			Action:  "Submit the URL again to start a new scan.",
		}
	case isNetworkError(err):
		return Triple{
			Title:   "Connection problem",
			Message: "A network error interrupted the scan.",
			Action:  "Please try again.",
		}
	default:
		return Triple{
			Title:   "Unexpected error",
			Message: "Something went wrong while processing the scan.",
			Action:  "Please try again.",
		}
	}
}

// OperatorDetail formats err plus surrounding key-value context into a
// single diagnostic line for operator logs. Unlike Classify, this keeps the
// full technical error text.
func OperatorDetail(err error, kv ...any) string {
	var b strings.Builder
	t := Classify(err)
	fmt.Fprintf(&b, "class=%q err=%q", t.Title, err)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
