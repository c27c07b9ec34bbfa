// Package wire implements the brw_stats text protocol and its stream framing.
//
// One message carries every device of one host for one polling tick:
//
//	<version>;<host>;<device>;BRW_RPC:{...};BRW_DISPAGES:{...};...;BRW_IOSIZE:{...};<device>;...
//
// Each device block is exactly eight ';'-terminated fields: the device name
// followed by the seven histogram kinds in fixed order. The decoder only
// demarcates the per-kind fields; numeric extraction is left to
// histogram.Parse so that a consumer can process one kind at a time.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/brwmon/config"
	"github.com/xtxerr/brwmon/internal/errors"
	"github.com/xtxerr/brwmon/internal/histogram"
	"github.com/xtxerr/brwmon/internal/logging"
	"github.com/xtxerr/brwmon/internal/validation"
)

var log = logging.Component("wire")

const (
	fieldSep = ';'

	// fieldsPerDevice is the device name plus one field per kind.
	fieldsPerDevice = 1 + histogram.NumKinds
)

// =============================================================================
// Types
// =============================================================================

// Device is the encode-side view of one device: its name and one
// histogram per kind, indexed by histogram.Kind.
type Device struct {
	Name  string
	Hists [histogram.NumKinds]*histogram.Histogram
}

// DeviceBlock is the decode-side view of one device. Fields holds the raw
// per-kind text (for example "BRW_RPC:{1:{5,0}}") indexed by histogram.Kind.
type DeviceBlock struct {
	Name   string
	Fields [histogram.NumKinds]string
}

// Histogram parses the field of the given kind.
func (b *DeviceBlock) Histogram(kind histogram.Kind) (*histogram.Histogram, error) {
	got, h, err := histogram.Parse(b.Fields[kind])
	if err != nil {
		return nil, fmt.Errorf("device %s: %w", b.Name, err)
	}
	if got != kind {
		return nil, fmt.Errorf("device %s: field holds %s, want %s: %w",
			b.Name, got, kind, errors.ErrProtocolParse)
	}
	return h, nil
}

// Report is one decoded message.
type Report struct {
	Version int
	Host    string
	Devices []DeviceBlock
}

// ParseError reports a malformed message. It always matches
// errors.ErrProtocolParse.
type ParseError struct {
	Field  string // what was being parsed, e.g. "version" or "fs1-OST0000/BRW_FRAG"
	Value  string // offending text, possibly truncated
	Reason string
	Err    error // optional more specific cause
}

func (e *ParseError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("parse %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("parse %s: %s (value %q)", e.Field, e.Reason, e.Value)
}

// Unwrap returns ErrProtocolParse and the more specific cause, if any.
func (e *ParseError) Unwrap() []error {
	if e.Err != nil {
		return []error{errors.ErrProtocolParse, e.Err}
	}
	return []error{errors.ErrProtocolParse}
}

// =============================================================================
// Encoder
// =============================================================================

// Encoder renders device histograms into a message.
type Encoder struct {
	// MaxFieldLen bounds the length of one histogram field.
	MaxFieldLen int

	// MaxMessageLen bounds the whole message.
	MaxMessageLen int
}

// NewEncoder returns an encoder with the default limits.
func NewEncoder() *Encoder {
	return &Encoder{
		MaxFieldLen:   config.DefaultMaxFieldLen,
		MaxMessageLen: config.DefaultMaxMessageLen,
	}
}

// Encode renders one message for host. On any error nothing is returned,
// so a caller can never transmit a truncated message.
func (e *Encoder) Encode(host string, devices []Device) (string, error) {
	if err := validation.ValidateHostName(host); err != nil {
		return "", err
	}

	maxField, maxMsg := e.limits()

	var b strings.Builder
	b.WriteString(strconv.Itoa(config.ProtocolVersion))
	b.WriteByte(fieldSep)
	b.WriteString(host)
	b.WriteByte(fieldSep)

	var field strings.Builder
	for i := range devices {
		dev := &devices[i]
		if err := validation.ValidateDeviceName(dev.Name); err != nil {
			return "", err
		}
		b.WriteString(dev.Name)
		b.WriteByte(fieldSep)

		for _, kind := range histogram.Kinds() {
			h := dev.Hists[kind]
			if h == nil {
				return "", errors.NewMissingField(dev.Name + "/" + kind.String())
			}
			if err := h.Validate(); err != nil {
				return "", fmt.Errorf("%s/%s: %w", dev.Name, kind, err)
			}

			field.Reset()
			histogram.AppendFormat(&field, kind, h)
			if field.Len() > maxField {
				return "", errors.NewOverflow(dev.Name+"/"+kind.String(), field.Len(), maxField)
			}
			b.WriteString(field.String())
			b.WriteByte(fieldSep)
		}

		if b.Len() > maxMsg {
			return "", errors.NewOverflow("message", b.Len(), maxMsg)
		}
	}

	return b.String(), nil
}

func (e *Encoder) limits() (field, msg int) {
	field, msg = e.MaxFieldLen, e.MaxMessageLen
	if field <= 0 {
		field = config.DefaultMaxFieldLen
	}
	if msg <= 0 {
		msg = config.DefaultMaxMessageLen
	}
	return field, msg
}

// EncodeHistogram renders a single histogram field without the trailing
// delimiter.
func EncodeHistogram(kind histogram.Kind, h *histogram.Histogram) string {
	return histogram.Format(kind, h)
}

// =============================================================================
// Decoder
// =============================================================================

// Decoder splits messages into device blocks.
type Decoder struct {
	// Verbose logs every rejected field with its value.
	Verbose bool
}

// Decode parses msg. A malformed message yields a *ParseError and no
// partial report. A message with a header and no devices is valid.
func (d *Decoder) Decode(msg string) (*Report, error) {
	rep, err := decode(msg)
	if err != nil {
		if d.Verbose {
			var pe *ParseError
			if errors.As(err, &pe) {
				log.Warn("malformed message",
					"field", pe.Field,
					"value", pe.Value,
					"reason", pe.Reason)
			}
		}
		return nil, err
	}
	return rep, nil
}

func decode(msg string) (*Report, error) {
	s := scanner{rest: msg}

	verText, ok := s.next()
	if !ok {
		return nil, &ParseError{Field: "version", Value: clip(msg), Reason: "missing ';' after version"}
	}
	version, err := strconv.Atoi(verText)
	if err != nil {
		return nil, &ParseError{Field: "version", Value: clip(verText), Reason: "not a number"}
	}
	if version != config.ProtocolVersion {
		return nil, &ParseError{
			Field:  "version",
			Value:  verText,
			Reason: fmt.Sprintf("want %d", config.ProtocolVersion),
			Err:    errors.ErrUnsupported,
		}
	}

	host, ok := s.next()
	if !ok {
		return nil, &ParseError{Field: "host", Value: clip(s.rest), Reason: "missing ';' after host"}
	}
	if host == "" {
		return nil, &ParseError{Field: "host", Reason: "empty host name"}
	}

	rep := &Report{Version: version, Host: host}
	if n := strings.Count(s.rest, string(fieldSep)) / fieldsPerDevice; n > 0 {
		rep.Devices = make([]DeviceBlock, 0, n)
	}

	for !s.done() {
		name, ok := s.next()
		if !ok {
			return nil, &ParseError{Field: "message", Value: clip(s.rest), Reason: "non-empty residual after last device"}
		}
		if name == "" {
			return nil, &ParseError{Field: "device", Reason: "empty device name"}
		}

		block := DeviceBlock{Name: name}
		for _, kind := range histogram.Kinds() {
			fieldName := name + "/" + kind.String()
			text, ok := s.next()
			if !ok {
				return nil, &ParseError{
					Field:  fieldName,
					Value:  clip(s.rest),
					Reason: fmt.Sprintf("device has %d of %d counter kinds", int(kind), histogram.NumKinds),
				}
			}
			if err := checkField(kind, text); err != "" {
				return nil, &ParseError{Field: fieldName, Value: clip(text), Reason: err}
			}
			block.Fields[kind] = text
		}
		rep.Devices = append(rep.Devices, block)
	}

	return rep, nil
}

// checkField verifies the framing of one kind field. It returns a reason
// string, empty when the field is well formed.
func checkField(kind histogram.Kind, text string) string {
	name := kind.String()
	if !strings.HasPrefix(text, name) || len(text) < len(name)+2 || text[len(name)] != ':' {
		return "expected " + name + " prefix"
	}
	body := text[len(name)+1:]
	if body[0] != '{' {
		return "missing '{' after kind"
	}
	if len(body) < 2 || body[len(body)-1] != '}' {
		return "missing closing '}'"
	}
	return ""
}

// scanner walks ';'-terminated fields.
type scanner struct {
	rest string
}

func (s *scanner) done() bool {
	return s.rest == ""
}

// next returns the text up to the next delimiter. It reports false when no
// delimiter remains.
func (s *scanner) next() (string, bool) {
	i := strings.IndexByte(s.rest, fieldSep)
	if i < 0 {
		return "", false
	}
	f := s.rest[:i]
	s.rest = s.rest[i+1:]
	return f, true
}

const maxErrorValue = 64

func clip(s string) string {
	if len(s) <= maxErrorValue {
		return s
	}
	return s[:maxErrorValue] + "..."
}
