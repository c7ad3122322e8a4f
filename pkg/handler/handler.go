// Package handler implements the Request Handler component:
// it receives one JSON command object per bus message, validates it,
// dispatches to the right Device Session, and publishes the response.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/metacash/payoutd/pkg/bus"
	"github.com/metacash/payoutd/pkg/device"
	"github.com/metacash/payoutd/pkg/ssp"
	"github.com/metacash/payoutd/pkg/validation"
)

// Handler dispatches requests from hopper-request/validator-request to the
// matching Device Session and publishes hopper-response/validator-response.
type Handler struct {
	Bus       bus.Bus
	Validator *validation.Validator
	Quit      chan struct{}

	Hopper *device.Session
	Note   *device.Session // banknote validator/payout unit
}

// responseTopic returns the topic a request topic's answer is published on.
func responseTopic(requestTopic string) string {
	switch requestTopic {
	case "hopper-request":
		return "hopper-response"
	case "validator-request":
		return "validator-response"
	default:
		return requestTopic + "-response"
	}
}

// Handle processes one bus message addressed to topic.
func (h *Handler) Handle(ctx context.Context, topic string, raw []byte) {
	if topic == "metacash" {
		return // reserved; no behavior defined yet
	}

	var req map[string]any
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Warn().Str("topic", topic).Err(err).Msg("handler: malformed JSON request")
		h.publishParseError(topic, raw, err)
		return
	}

	msgID, _ := req["msgId"].(string)
	cmd, ok := req["cmd"].(string)
	if !ok || cmd == "" {
		h.publishError(topic, msgID, "Property 'cmd' missing or of wrong type")
		return
	}
	if msgID == "" {
		h.publishError(topic, msgID, "Property 'msgId' missing or of wrong type")
		return
	}

	if !isRequestTopic(topic) {
		h.publishError(topic, msgID, fmt.Sprintf("unknown topic %q", topic))
		return
	}

	if field, bad := firstInvalidField(cmd, req); bad {
		h.publishError(topic, msgID, fmt.Sprintf("Property '%s' missing or of wrong type", field))
		return
	}
	if schemaDoc, ok := validation.Schemas[cmd]; ok {
		// Schemas describe only the fields beyond cmd/msgId.
		payload := make(map[string]any, len(req))
		for k, v := range req {
			if k != "cmd" && k != "msgId" {
				payload[k] = v
			}
		}
		if err := h.Validator.Validate(schemaDoc, payload); err != nil {
			h.publishError(topic, msgID, fmt.Sprintf("validation error: %v", err))
			return
		}
	}

	if cmd == "quit" {
		close(h.Quit)
		h.respond(topic, msgID, map[string]any{"result": "ok"})
		return
	}
	if cmd == "test" {
		h.respond(topic, msgID, map[string]any{"result": "ok"})
		return
	}

	dev := h.deviceFor(topic)
	if dev == nil || !dev.Available() {
		h.publishError(topic, msgID, "hardware unavailable")
		return
	}

	fields, err := h.dispatch(ctx, dev, cmd, req)
	if err != nil {
		h.respondError(topic, msgID, cmd, err)
		return
	}
	if fields != nil {
		h.respond(topic, msgID, fields)
	}
}

func isRequestTopic(topic string) bool {
	return topic == "hopper-request" || topic == "validator-request"
}

func (h *Handler) deviceFor(topic string) *device.Session {
	switch topic {
	case "hopper-request":
		return h.Hopper
	case "validator-request":
		return h.Note
	default:
		return nil
	}
}

// fieldKind is the wire type a required field must carry.
type fieldKind int

const (
	kindInt fieldKind = iota
	kindString
)

type fieldSpec struct {
	name string
	kind fieldKind
}

// requiredFields lists, per command, the bus-level fields that must be
// present and of the right JSON type before dispatch is attempted. Checked
// ahead of the jsonschema pass so the exact "Property 'X' missing or of
// wrong type" phrasing can name the first offending field.
var requiredFields = map[string][]fieldSpec{
	"configure-bezel":          {{"r", kindInt}, {"g", kindInt}, {"b", kindInt}, {"type", kindInt}},
	"enable-channels":          {{"channels", kindString}},
	"disable-channels":         {{"channels", kindString}},
	"inhibit-channels":         {{"channels", kindString}},
	"set-denomination-level":   {{"level", kindInt}, {"amount", kindInt}},
	"set-cashbox-payout-limit": {{"level", kindInt}, {"amount", kindInt}},
	"test-payout":              {{"amount", kindInt}},
	"do-payout":                {{"amount", kindInt}},
	"test-float":               {{"amount", kindInt}},
	"do-float":                 {{"amount", kindInt}},
}

func firstInvalidField(cmd string, req map[string]any) (string, bool) {
	for _, f := range requiredFields[cmd] {
		v, present := req[f.name]
		if !present {
			return f.name, true
		}
		switch f.kind {
		case kindInt:
			if _, ok := v.(float64); !ok {
				return f.name, true
			}
		case kindString:
			if _, ok := v.(string); !ok {
				return f.name, true
			}
		}
	}
	return "", false
}

func (h *Handler) dispatch(ctx context.Context, dev *device.Session, cmd string, req map[string]any) (map[string]any, error) {
	switch cmd {
	case "configure-bezel":
		r, g, b, t := byteField(req, "r"), byteField(req, "g"), byteField(req, "b"), byteField(req, "type")
		if err := ssp.ConfigureBezel(ctx, dev.Frame(), r, g, b, false, t); err != nil {
			return nil, err
		}
		return ok(), nil

	case "empty":
		if err := dev.Empty(ctx); err != nil {
			return nil, err
		}
		return ok(), nil

	case "smart-empty":
		if err := dev.SmartEmpty(ctx); err != nil {
			return nil, err
		}
		return ok(), nil

	case "enable":
		if err := ssp.Enable(ctx, dev.Frame()); err != nil {
			return nil, err
		}
		return ok(), nil

	case "disable":
		if err := ssp.Disable(ctx, dev.Frame()); err != nil {
			return nil, err
		}
		return ok(), nil

	case "enable-channels":
		channels, _ := req["channels"].(string)
		if err := dev.EnableChannels(ctx, channels); err != nil {
			return nil, err
		}
		return ok(), nil

	case "disable-channels":
		channels, _ := req["channels"].(string)
		if err := dev.DisableChannels(ctx, channels); err != nil {
			return nil, err
		}
		return ok(), nil

	case "inhibit-channels":
		channels, _ := req["channels"].(string)
		if err := dev.InhibitChannels(ctx, channels); err != nil {
			return nil, err
		}
		return ok(), nil

	case "set-denomination-level":
		level := uint16(numberField(req, "level"))
		amount := uint32(numberField(req, "amount"))
		// level>0 clears the slot (level=0) before setting the requested
		// level; some firmware revisions fold a bare "add" into whatever
		// count is already stored instead of replacing it.
		if level > 0 {
			if err := ssp.SetDenominationLevel(ctx, dev.Frame(), 0, amount, ssp.Currency); err != nil {
				return nil, err
			}
		}
		if err := ssp.SetDenominationLevel(ctx, dev.Frame(), level, amount, ssp.Currency); err != nil {
			return nil, err
		}
		return ok(), nil

	case "set-cashbox-payout-limit":
		// Bus-level keys swap relative to their SSP meaning: "amount" is the
		// denomination being limited, "level" is the limit applied to it.
		limit := uint16(numberField(req, "level"))
		denomination := uint32(numberField(req, "amount"))
		if err := ssp.SetCashboxPayoutLimit(ctx, dev.Frame(), limit, denomination, ssp.Currency); err != nil {
			return nil, err
		}
		return ok(), nil

	case "get-all-levels":
		levels, err := ssp.GetAllLevels(ctx, dev.Frame())
		if err != nil {
			return nil, err
		}
		return map[string]any{"levels": levelsToJSON(levels)}, nil

	case "cashbox-payout-operation-data":
		data, err := ssp.CashboxPayoutOperationData(ctx, dev.Frame())
		if err != nil {
			return nil, err
		}
		levels := levelsToJSON(data.Levels)
		levels = append(levels, map[string]any{"value": 0, "level": data.UnknownCount})
		return map[string]any{"levels": levels}, nil

	case "get-firmware-version":
		v, err := ssp.GetFirmwareVersion(ctx, dev.Frame())
		if err != nil {
			return nil, err
		}
		return map[string]any{"version": v}, nil

	case "get-dataset-version":
		v, err := ssp.GetDatasetVersion(ctx, dev.Frame())
		if err != nil {
			return nil, err
		}
		return map[string]any{"version": v}, nil

	case "last-reject-note":
		code, phrase, err := ssp.LastRejectNote(ctx, dev.Frame())
		if err != nil {
			return nil, err
		}
		return map[string]any{"reason": phrase, "code": code}, nil

	case "test-payout", "do-payout":
		amount := uint32(numberField(req, "amount"))
		if _, err := dev.Payout(ctx, amount, ssp.Currency, cmd == "test-payout"); err != nil {
			return nil, err
		}
		return ok(), nil

	case "test-float", "do-float":
		amount := uint32(numberField(req, "amount"))
		if _, err := dev.Float(ctx, amount, ssp.Currency, cmd == "test-float"); err != nil {
			return nil, err
		}
		return ok(), nil

	case "channel-security-data":
		// Diagnostic only: the command is issued to probe the hardware link,
		// but no reply body is published.
		if _, err := ssp.ChannelSecurity(ctx, dev.Frame()); err != nil {
			return nil, err
		}
		return nil, nil

	default:
		return nil, &unknownCommandError{cmd: cmd}
	}
}

// ok is the success shape shared by every command whose result carries no
// data of its own.
func ok() map[string]any {
	return map[string]any{"result": "ok"}
}

func levelsToJSON(levels []ssp.Level) []map[string]any {
	out := make([]map[string]any, 0, len(levels))
	for _, l := range levels {
		out = append(out, map[string]any{
			"level": l.Count, "value": l.Value, "cc": l.Currency,
		})
	}
	return out
}

func byteField(req map[string]any, key string) byte {
	return byte(numberField(req, key))
}

func numberField(req map[string]any, key string) float64 {
	n, _ := req[key].(float64)
	return n
}

func (h *Handler) respond(requestTopic, correlID string, fields map[string]any) {
	payload, err := bus.Envelope(correlID, fields)
	if err != nil {
		log.Error().Err(err).Msg("handler: encode response")
		return
	}
	_ = h.Bus.Publish(responseTopic(requestTopic), payload)
}

// unknownCommandError is returned by dispatch's default case so
// respondError can surface both the "unknown command" phrase and the
// offending cmd in the same reply.
type unknownCommandError struct{ cmd string }

func (e *unknownCommandError) Error() string { return fmt.Sprintf("unknown command %q", e.cmd) }

func (h *Handler) respondError(requestTopic, correlID, cmd string, err error) {
	var unknown *unknownCommandError
	if errors.As(err, &unknown) {
		h.respond(requestTopic, correlID, map[string]any{"error": "unknown command", "cmd": unknown.cmd})
		return
	}

	var fields map[string]any
	if hs, ok := asStatusErr(err); ok && hs.Status() == ssp.StatusCommandNotProcessed {
		reason := hs.Status().String()
		if r, ok := hs.(interface{ Reason() string }); ok {
			if rr := r.Reason(); rr != "" {
				reason = rr
			}
		}
		fields = map[string]any{"error": reason}
	} else if ok {
		fields = map[string]any{"sspError": hs.Status().String()}
	} else {
		fields = map[string]any{"error": err.Error()}
	}
	h.respond(requestTopic, correlID, fields)
}

type hasStatus interface{ Status() ssp.Status }

func asStatusErr(err error) (hasStatus, bool) {
	var hs hasStatus
	ok := errors.As(err, &hs)
	return hs, ok
}

func (h *Handler) publishError(requestTopic, correlID, msg string) {
	payload, err := bus.Envelope(correlID, map[string]any{"error": msg})
	if err != nil {
		log.Error().Err(err).Msg("handler: encode error response")
		return
	}
	if requestTopic == "" {
		return
	}
	_ = h.Bus.Publish(responseTopic(requestTopic), payload)
}

// publishParseError reports a malformed request body. Unlike every other
// error reply, this one carries no correlId: the message never parsed far
// enough to recover one.
func (h *Handler) publishParseError(requestTopic string, raw []byte, parseErr error) {
	fields := map[string]any{
		"error":  "could not parse json",
		"reason": parseErr.Error(),
		"line":   jsonErrorLine(raw, parseErr),
	}
	payload, err := bus.Envelope("", fields)
	if err != nil {
		log.Error().Err(err).Msg("handler: encode parse-error response")
		return
	}
	_ = h.Bus.Publish(responseTopic(requestTopic), payload)
}

// jsonErrorLine recovers the 1-indexed line a json.SyntaxError occurred on
// by counting newlines up to its byte offset; falls back to 1 when the
// error carries no offset (e.g. an io error rather than a syntax error).
func jsonErrorLine(raw []byte, err error) int {
	var syn *json.SyntaxError
	if !errors.As(err, &syn) {
		return 1
	}
	offset := int(syn.Offset)
	if offset > len(raw) {
		offset = len(raw)
	}
	return bytes.Count(raw[:offset], []byte("\n")) + 1
}
