package events

import "fmt"

// ReportStatus travels as a string on the wire.
type ReportStatus int

const (
	ReportPending ReportStatus = iota + 1
	ReportReady
	ReportFailed
)

var reportStatusNames = map[ReportStatus]string{
	ReportPending: "pending",
	ReportReady:   "ready",
	ReportFailed:  "failed",
}

func (s ReportStatus) String() string {
	if n, ok := reportStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ReportStatus(%d)", int(s))
}

func (s ReportStatus) MarshalText() ([]byte, error) {
	n, ok := reportStatusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown report status %d", int(s))
	}
	return []byte(n), nil
}

func (s *ReportStatus) UnmarshalText(text []byte) error {
	for k, n := range reportStatusNames {
		if n == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown report status '%s'", text)
}
