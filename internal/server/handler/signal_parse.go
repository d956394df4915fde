package handler

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BB13/algobot-public/internal/domain"
)

// ParseFields decodes a webhook body into a flat field map. Keys are
// lower-cased with underscores removed, so "maxTP", "max_tp" and "MAXTP"
// are the same field. Unexpanded alert placeholders such as "{{close}}" are
// dropped.
func ParseFields(body []byte, contentType string) (map[string]string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, wrapf("empty body")
	}

	raw := map[string]string{}
	switch {
	case body[0] == '{':
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil {
			return nil, wrapf("malformed json: %v", err)
		}
		for k, v := range obj {
			switch t := v.(type) {
			case nil:
			case string:
				raw[k] = t
			case json.Number:
				raw[k] = t.String()
			case bool:
				raw[k] = strconv.FormatBool(t)
			default:
				return nil, wrapf("field %q must be a scalar", k)
			}
		}

	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded") || bytes.ContainsRune(body, '&'):
		q, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, wrapf("malformed form body: %v", err)
		}
		for k, vs := range q {
			if len(vs) > 0 {
				raw[k] = vs[len(vs)-1]
			}
		}

	default:
		for _, part := range strings.Split(string(body), ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			k, v, ok := strings.Cut(part, "=")
			if !ok {
				return nil, wrapf("expected key=value, got %q", part)
			}
			raw[k] = v
		}
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, "{{") && strings.HasSuffix(v, "}}") {
			continue
		}
		fields[normKey(k)] = v
	}
	return fields, nil
}

func normKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(k), "_", ""))
}

func first(fields map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := fields[k]; v != "" {
			return v
		}
	}
	return ""
}

// BuildSignal turns parsed fields into a typed signal. Besides the typed
// commands (OPEN, SCALE, TAKE_PROFIT, CLOSE with an explicit side) it
// accepts the alert commands LONG, SHORT, TP<n>, TPS<n>, STOP L and STOP S,
// which carry the side themselves.
func BuildSignal(fields map[string]string, now time.Time) (domain.Signal, error) {
	sig := domain.Signal{
		Symbol:        strings.ToUpper(first(fields, "symbol", "asset", "ticker")),
		PositionID:    fields["positionid"],
		AltTakeProfit: first(fields, "alttakeprofit", "alttp"),
		ReceivedAt:    now,
	}

	command := strings.ToUpper(strings.ReplaceAll(fields["command"], " ", ""))
	if command == "" {
		return sig, wrapf("command is required")
	}

	var impliedSide domain.Side
	switch {
	case command == "LONG" || command == "BUY":
		sig.Command, impliedSide = domain.CommandOpen, domain.SideLong
	case command == "SHORT" || command == "SELL":
		sig.Command, impliedSide = domain.CommandOpen, domain.SideShort
	case command == "STOPL":
		sig.Command, impliedSide = domain.CommandClose, domain.SideLong
	case command == "STOPS":
		sig.Command, impliedSide = domain.CommandClose, domain.SideShort
	case strings.HasPrefix(command, "TPS") && isDigits(command[3:]):
		sig.Command, impliedSide = domain.CommandTakeProfit, domain.SideShort
		sig.Stage, _ = strconv.Atoi(command[3:])
	case strings.HasPrefix(command, "TP") && isDigits(command[2:]):
		sig.Command, impliedSide = domain.CommandTakeProfit, domain.SideLong
		sig.Stage, _ = strconv.Atoi(command[2:])
	default:
		sig.Command = domain.Command(command)
	}

	if s := fields["side"]; s != "" {
		side, err := domain.ParseSide(s)
		if err != nil {
			return sig, err
		}
		if impliedSide != "" && side != impliedSide {
			return sig, wrapf("command %s conflicts with side %s", command, side)
		}
		sig.Side = side
	} else {
		sig.Side = impliedSide
	}

	if s := fields["stage"]; s != "" && sig.Stage == 0 {
		n, err := strconv.Atoi(s)
		if err != nil {
			return sig, wrapf("stage %q", s)
		}
		sig.Stage = n
	}
	if s := first(fields, "maxstages", "maxtp"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return sig, wrapf("max stages %q", s)
		}
		sig.MaxStages = n
	}

	for _, f := range []struct {
		dst  *decimal.Decimal
		keys []string
	}{
		{&sig.Quantity, []string{"quantity", "qty"}},
		{&sig.Amount, []string{"amount", "amt"}},
		{&sig.Price, []string{"price"}},
	} {
		s := first(fields, f.keys...)
		if s == "" {
			continue
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return sig, wrapf("%s %q is not a number", f.keys[0], s)
		}
		*f.dst = d
	}

	sig.Strategy = fields["strategy"]
	if bot := fields["bot"]; bot != "" && sig.Strategy == "" {
		sig.Strategy = bot
		if settings := fields["botsettings"]; settings != "" {
			sig.Strategy = bot + "_" + settings
		}
	}
	return sig, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
