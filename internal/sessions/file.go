package sessions

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/ratslink/internal/protocol/frame"
	"github.com/danmuck/ratslink/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoOffer    = errors.New("sessions: no transfer offer received")
	ErrBadOffer   = errors.New("sessions: malformed transfer offer")
	ErrNoStart    = errors.New("sessions: peer never accepted the transfer")
	ErrEmptyFile  = errors.New("sessions: nothing to send")
	ErrIncomplete = errors.New("sessions: transfer incomplete")
	ErrOversize   = errors.New("sessions: transfer larger than offered")
)

// PartSuffix marks the compressed partial stream kept for resuming.
const PartSuffix = ".part"

// DefaultMaxFileBytes caps a received file after decompression.
const DefaultMaxFileBytes = 64 << 20

// TransferStatus is reported on every stats change of a transfer.
type TransferStatus struct {
	Filename string
	Msg      string
	Total    int
	Stats    session.Stats
}

// Transfer moves one file over a stateful session. The sender offers
// size and name, the receiver answers OK or RESUME:<offset>, and the
// zlib-compressed body follows.
type Transfer struct {
	*session.Stateful

	// StartWait bounds the offer and acceptance exchange.
	StartWait time.Duration
	// BodyWait is the per-block ack wait while sending the body.
	BodyWait time.Duration
	// MaxFileBytes caps the decompressed size of a received file.
	MaxFileBytes int

	mu       sync.Mutex
	report   func(TransferStatus)
	filename string
	total    int
	last     string
}

func NewFileTransfer(name string, cfg session.Config, report func(TransferStatus)) *Transfer {
	return newTransfer(name, session.KindFile, cfg, report)
}

// NewFormTransfer builds a transfer announced as a form. Forms travel
// exactly like files.
func NewFormTransfer(name string, cfg session.Config, report func(TransferStatus)) *Transfer {
	return newTransfer(name, session.KindForm, cfg, report)
}

func newTransfer(name string, kind session.Kind, cfg session.Config, report func(TransferStatus)) *Transfer {
	t := &Transfer{
		Stateful:     session.NewStatefulKind(name, kind, cfg),
		StartWait:    20 * time.Second,
		BodyWait:     120 * time.Second,
		MaxFileBytes: DefaultMaxFileBytes,
		report:       report,
	}
	t.SetStatusFunc(func(session.Stats) { t.tick() })
	return t
}

func (t *Transfer) status(msg string) {
	t.mu.Lock()
	t.last = msg
	t.mu.Unlock()
	log.Debug().Str("session", t.Name()).Msgf("sessions.Transfer %s", msg)
	t.tick()
}

func (t *Transfer) tick() {
	t.mu.Lock()
	st := TransferStatus{Filename: t.filename, Msg: t.last, Total: t.total}
	report := t.report
	t.mu.Unlock()
	if report == nil {
		return
	}
	st.Stats = t.Stats()
	report(st)
}

func (t *Transfer) setFile(name string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filename = name
	t.total = total
}

// Filename returns the name being transferred.
func (t *Transfer) Filename() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.filename
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}


func encodeOffer(size int, name string) []byte {
	offer := make([]byte, 4, 4+len(name))
	binary.LittleEndian.PutUint32(offer, uint32(size))
	return append(offer, name...)
}

func decodeOffer(b []byte) (int, string, error) {
	if len(b) < 5 {
		return 0, "", fmt.Errorf("%w: %d bytes", ErrBadOffer, len(b))
	}
	size := int(binary.LittleEndian.Uint32(b[:4]))
	name := filepath.Base(filepath.Clean("/" + string(b[4:])))
	if name == "/" || name == "." {
		return 0, "", fmt.Errorf("%w: name %q", ErrBadOffer, b[4:])
	}
	return size, name, nil
}

// SendFile offers path to the peer, sends its compressed contents from
// the offset the peer asks for and closes the session.
func (t *Transfer) SendFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	data, err := compress(raw)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	offer := encodeOffer(len(data), name)
	t.setFile(name, 0)
	if err := t.WriteTimeout(offer, 0); err != nil {
		return fmt.Errorf("sending offer: %w", err)
	}

	offset, err := t.awaitStart(ctx, len(data))
	if err != nil {
		t.status("Did not get start response")
		return err
	}

	total := len(data) + len(offer) - offset
	t.setFile(name, total)
	t.status("Sending")
	if err := t.WriteTimeout(data[offset:], t.BodyWait); err != nil {
		log.Warn().Err(err).Str("session", t.Name()).Msg("sessions.Transfer session closed while sending")
	}

	sent := t.Stats().SentSize
	if err := t.Close(); err != nil {
		log.Debug().Err(err).Str("session", t.Name()).Msg("sessions.Transfer close")
	}
	if sent != total {
		t.status("Failed to send file (incomplete)")
		return fmt.Errorf("%w: sent %d of %d bytes", ErrIncomplete, sent, total)
	}
	t.setFile(name, len(raw))
	t.status("Complete")
	return nil
}

func (t *Transfer) awaitStart(ctx context.Context, size int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.StartWait)
	defer cancel()
	buf := make([]byte, 256)
	for {
		n, err := t.ReadContext(ctx, buf)
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ErrNoStart
		}
		if err != nil {
			return 0, err
		}
		resp := string(buf[:n])
		switch {
		case resp == "OK":
			t.status("Negotiation Complete")
			return 0, nil
		case strings.HasPrefix(resp, "RESUME:"):
			offset, err := strconv.Atoi(strings.TrimPrefix(resp, "RESUME:"))
			if err != nil || offset < 0 || offset > size {
				log.Warn().Str("session", t.Name()).Msgf("sessions.Transfer unusable resume value %q", resp)
				offset = 0
			}
			t.status(fmt.Sprintf("Resuming at %d", offset))
			return offset, nil
		default:
			log.Warn().Str("session", t.Name()).Msgf("sessions.Transfer unknown start response %q", resp)
		}
	}
}

// RecvFile accepts the peer's offer and stores the file in dest, which is
// either a directory or the target path. It returns the written path. An
// interrupted transfer leaves a .part file that the next offer of the same
// name resumes from.
func (t *Transfer) RecvFile(ctx context.Context, dest string) (string, error) {
	t.status("Waiting for transfer to start")
	offerCtx, cancel := context.WithTimeout(ctx, t.StartWait)
	buf := make([]byte, 4096)
	n, err := t.ReadContext(offerCtx, buf)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		t.status("No start block received!")
		return "", ErrNoOffer
	}
	if err != nil {
		return "", err
	}
	size, name, err := decodeOffer(buf[:n])
	if err != nil {
		return "", err
	}

	filename := dest
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		filename = filepath.Join(dest, name)
	}
	part := filename + PartSuffix

	data, err := os.ReadFile(part)
	if err != nil {
		data = nil
	}
	offset := len(data)
	if offset > size {
		data, offset = nil, 0
	}
	t.setFile(name, size)
	t.status(fmt.Sprintf("Receiving file %s of size %d", name, size))

	reply := "OK"
	if offset > 0 {
		reply = fmt.Sprintf("RESUME:%d", offset)
		log.Info().Str("session", t.Name()).Msgf("sessions.Transfer part file exists, resuming at %d", offset)
	}
	if err := t.WriteTimeout([]byte(reply), 0); err != nil {
		return "", fmt.Errorf("sending start: %w", err)
	}

	t.status("Waiting for first block")
	for {
		n, err := t.ReadContext(ctx, buf)
		if errors.Is(err, session.ErrSessionClosed) {
			break
		}
		if err != nil {
			t.savePart(part, data)
			return "", err
		}
		data = append(data, buf[:n]...)
		if len(data) > size {
			t.status("Failed to receive file (too large)")
			if err := t.Close(); err != nil {
				log.Debug().Err(err).Str("session", t.Name()).Msg("sessions.Transfer close")
			}
			return "", fmt.Errorf("%w: %d bytes after an offer of %d", ErrOversize, len(data), size)
		}
		t.status("Receiving")
	}

	if len(data) != size {
		t.savePart(part, data)
		t.status("Failed to receive file (incomplete)")
		return "", fmt.Errorf("%w: received %d of %d bytes", ErrIncomplete, len(data), size)
	}
	raw, err := frame.Inflate(data, t.MaxFileBytes)
	if err != nil {
		t.savePart(part, data)
		return "", fmt.Errorf("decompressing %s: %w", name, err)
	}
	if err := os.WriteFile(filename, raw, 0o644); err != nil {
		t.savePart(part, data)
		return "", err
	}
	if err := os.Remove(part); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msgf("sessions.Transfer removing %s", part)
	}
	t.setFile(name, len(raw))
	t.status("Complete")
	return filename, nil
}

func (t *Transfer) savePart(part string, data []byte) {
	if len(data) == 0 {
		return
	}
	if err := os.WriteFile(part, data, 0o644); err != nil {
		log.Error().Err(err).Msgf("sessions.Transfer saving %s", part)
	}
}
