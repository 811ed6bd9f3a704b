package transform

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/shchae04/kafka-basic/internal/logging"
	"github.com/shchae04/kafka-basic/internal/message"
)

var builtins = map[string]func() Processor{
	"passthrough":  func() Processor { return Func(passthrough) },
	"uppercase":    func() Processor { return Func(uppercase) },
	"userdata":     func() Processor { return Func(userData) },
	"faultdemo":    func() Processor { return Func(faultDemo) },
	"txfilter":     func() Processor { return Func(transactionTier) },
	"notification": func() Processor { return Func(importantEvent) },
}

// Builtin returns the compiled-in processor called name.
func Builtin(name string) (Processor, error) {
	f, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("transform: unknown builtin %q (have %v)", name, BuiltinNames())
	}
	return f(), nil
}

func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func passthrough(_ context.Context, m *message.Message) ([]byte, error) {
	return m.Value, nil
}

// uppercase marks JSON objects with a _transformed field and upper-cases
// anything else.
func uppercase(_ context.Context, m *message.Message) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(m.Value, &obj); err == nil && obj != nil {
		obj["_transformed"] = "uppercase"
		out, err := json.Marshal(obj)
		if err != nil {
			return nil, Permanent(err)
		}
		return out, nil
	}
	return bytes.ToUpper(m.Value), nil
}

type userRecord struct {
	UserID      string      `json:"userId"`
	DisplayName string      `json:"displayName"`
	ContactInfo contactInfo `json:"contactInfo"`
}

type contactInfo struct {
	Email string `json:"email"`
}

// userData reshapes {"id","name","email",...} into
// {"userId","displayName","contactInfo":{"email"}}. Payloads that are not a
// JSON object are rejected permanently.
func userData(_ context.Context, m *message.Message) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(m.Value))
	dec.UseNumber()
	var in map[string]any
	if err := dec.Decode(&in); err != nil {
		return nil, Permanent(fmt.Errorf("userdata: decode %s: %w", m, err))
	}
	if in == nil {
		return nil, Permanent(fmt.Errorf("userdata: %s is not a JSON object", m))
	}
	out, err := json.Marshal(userRecord{
		UserID:      asText(in["id"]),
		DisplayName: asText(in["name"]),
		ContactInfo: contactInfo{Email: asText(in["email"])},
	})
	if err != nil {
		return nil, Permanent(err)
	}
	return out, nil
}

func asText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// faultDemo fails on demand: payloads containing "error" fail transiently,
// payloads containing "invalid" are rejected permanently.
func faultDemo(_ context.Context, m *message.Message) ([]byte, error) {
	switch {
	case bytes.Contains(m.Value, []byte("error")):
		return nil, Retriable(fmt.Errorf("faultdemo: failed to process %s", m))
	case bytes.Contains(m.Value, []byte("invalid")):
		return nil, Permanent(fmt.Errorf("faultdemo: invalid message %s", m))
	default:
		return m.Value, nil
	}
}

// Transaction tiers and the topics they are routed to.
const (
	HighAmountTopic   = "high-amount-transactions"
	MediumAmountTopic = "medium-amount-transactions"
	LowAmountTopic    = "low-amount-transactions"

	highAmount   = 1_000_000.0
	mediumAmount = 100_000.0
)

// transactionTier routes a transaction to a topic by its "amount". The
// payload is forwarded unchanged; anything without a readable amount counts
// as zero.
func transactionTier(_ context.Context, m *message.Message) ([]byte, error) {
	var tx struct {
		Amount json.RawMessage `json:"amount"`
	}
	amount := 0.0
	if err := json.Unmarshal(m.Value, &tx); err == nil {
		amount = asFloat(tx.Amount)
	}
	switch {
	case amount >= highAmount:
		m.Route = HighAmountTopic
	case amount >= mediumAmount:
		m.Route = MediumAmountTopic
	default:
		m.Route = LowAmountTopic
	}
	return m.Value, nil
}

// asFloat reads a JSON number or a numeric string; anything else is zero.
func asFloat(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}

const priorityThreshold = 5

// importantEvent forwards events whose "priority" is above the threshold
// and filters the rest, including payloads that cannot be parsed.
func importantEvent(_ context.Context, m *message.Message) ([]byte, error) {
	var ev struct {
		Priority json.RawMessage `json:"priority"`
	}
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		logging.L().Warn("notification: unreadable event", "msg", m.String(), "err", err)
		return nil, ErrFiltered
	}
	if p := int(asFloat(ev.Priority)); p <= priorityThreshold {
		return nil, ErrFiltered
	}
	logging.L().Info("important event", "msg", m.String(), "priority", string(ev.Priority))
	return m.Value, nil
}
