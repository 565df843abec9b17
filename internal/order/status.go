package order

import (
	"strconv"
	"strings"

	"github.com/coachpo/paywatch/errs"
)

// Status is the payment state of an order. Values above 1 are final
// except PartiallyPaid, which is negative and may still move.
type Status int

const (
	// StatusNew means no transaction has been seen yet.
	StatusNew Status = 0
	// StatusUnconfirmed means enough was received but confirmations are pending.
	StatusUnconfirmed Status = 1
	// StatusPaid means the exact amount was received and confirmed.
	StatusPaid Status = 2
	// StatusUnderpaid means the order expired while partially paid.
	StatusUnderpaid Status = 3
	// StatusOverpaid means more than the amount was received.
	StatusOverpaid Status = 4
	// StatusExpired means the watch window elapsed without payment.
	StatusExpired Status = 5
	// StatusCanceled is set by the embedder.
	StatusCanceled Status = 6
	// StatusPartiallyPaid means less than the amount was received so far.
	StatusPartiallyPaid Status = -3
)

var statusNames = map[Status]string{
	StatusNew:           "new",
	StatusUnconfirmed:   "unconfirmed",
	StatusPaid:          "paid",
	StatusUnderpaid:     "underpaid",
	StatusOverpaid:      "overpaid",
	StatusExpired:       "expired",
	StatusCanceled:      "canceled",
	StatusPartiallyPaid: "partially_paid",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Locked reports whether the status can no longer change.
func (s Status) Locked() bool { return s > StatusUnconfirmed }

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

// ParseStatus accepts a symbolic name or its integer code.
func ParseStatus(value string) (Status, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	for status, name := range statusNames {
		if name == trimmed {
			return status, nil
		}
	}
	if code, err := strconv.Atoi(trimmed); err == nil && Status(code).Valid() {
		return Status(code), nil
	}
	return 0, errs.New("", errs.CodeInvalid,
		errs.WithMessage("unknown order status"),
		errs.WithField("status", value))
}
