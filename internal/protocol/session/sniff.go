package session

import (
	"fmt"

	"github.com/danmuck/ratslink/internal/protocol/frame"
)

// SniffRecord is one summarized frame seen on the link.
type SniffRecord struct {
	Source  string
	Dest    string
	Summary string
}

var sniffKinds = map[uint8]string{
	4: "General",
	5: "File",
	6: "Form",
	7: "Socket",
	8: "PFile",
	9: "PForm",
}

// Sniffer summarizes every frame heard on the link, including traffic
// between other stations.
type Sniffer struct {
	*Stateless
	emit func(SniffRecord)
}

// NewSniffer returns a sniffer reporting to emit. Register it with
// Manager.Attach and enable it with Manager.SetSniffer.
func NewSniffer(emit func(SniffRecord)) *Sniffer {
	s := &Sniffer{
		Stateless: NewStateless("sniffer"),
		emit:      emit,
	}
	s.SetHandler(s.handle)
	return s
}

func (s *Sniffer) handle(f *frame.Frame) {
	if f.Source == frame.Sentinel {
		return
	}
	if s.emit == nil {
		return
	}
	s.emit(SniffRecord{
		Source:  f.Source,
		Dest:    f.Dest,
		Summary: fmt.Sprintf("%s->%s %s", f.Source, f.Dest, Summarize(f)),
	})
}

// Summarize renders a one-line description of f.
func Summarize(f *frame.Frame) string {
	switch f.Session {
	case 1:
		return fmt.Sprintf("(chat: %s)", string(f.Payload))
	case ControlID:
		return summarizeControl(f)
	default:
		return fmt.Sprintf("(S:%d L:%d)", f.Session, len(f.Payload))
	}
}

func summarizeControl(f *frame.Frame) string {
	switch {
	case f.Type == ControlAck:
		if len(f.Payload) < 2 {
			return "Control: ACK (short)"
		}
		return fmt.Sprintf("Control: ACK Local:%d Remote:%d", f.Payload[0], f.Payload[1])
	case f.Type == ControlEnd:
		return fmt.Sprintf("Control: END session %s", string(f.Payload))
	case f.Type >= ControlNew:
		if len(f.Payload) < 1 {
			return "Control: NEW (short)"
		}
		kind, ok := sniffKinds[f.Type]
		if !ok {
			kind = fmt.Sprintf("Unknown type %d", f.Type)
		}
		return fmt.Sprintf("Control: NEW session %d: '%s' (%s)", f.Payload[0], string(f.Payload[1:]), kind)
	}
	return "Control: UNKNOWN"
}
