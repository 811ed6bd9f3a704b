package transform

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shchae04/kafka-basic/internal/message"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain error", errors.New("boom"), true},
		{"permanent marker", Permanent(errors.New("bad")), false},
		{"wrapped permanent", fmt.Errorf("stage a: %w", Permanent(errors.New("bad"))), false},
		{"retriable marker", Retriable(errors.New("flaky")), true},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", timeoutErr{}, true},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc resource exhausted", status.Error(codes.ResourceExhausted, "slow down"), true},
		{"grpc invalid argument", status.Error(codes.InvalidArgument, "bad"), false},
		{"grpc failed precondition", status.Error(codes.FailedPrecondition, "bad"), false},
		{"grpc unimplemented", status.Error(codes.Unimplemented, "nope"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestPermanentNil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.NoError(t, Retriable(nil))
}

func msg(v string) *message.Message {
	return &message.Message{Topic: "user-data", Partition: 0, Offset: 4, Value: []byte(v)}
}

func TestBuiltin_Unknown(t *testing.T) {
	_, err := Builtin("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "passthrough")
}

func TestBuiltin_UserData(t *testing.T) {
	p, err := Builtin("userdata")
	require.NoError(t, err)

	out, err := p.Process(context.Background(), msg(`{"id":123,"name":"Kim","email":"kim@example.com","extra":true}`))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "123", got["userId"])
	assert.Equal(t, "Kim", got["displayName"])
	assert.Equal(t, map[string]any{"email": "kim@example.com"}, got["contactInfo"])
	assert.NotContains(t, got, "extra")
}

func TestBuiltin_UserDataMissingFields(t *testing.T) {
	p, _ := Builtin("userdata")
	out, err := p.Process(context.Background(), msg(`{"id":"u-1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u-1","displayName":"","contactInfo":{"email":""}}`, string(out))
}

func TestBuiltin_UserDataMalformedIsPermanent(t *testing.T) {
	p, _ := Builtin("userdata")
	for _, in := range []string{`{not json`, `null`, `"just a string"`} {
		_, err := p.Process(context.Background(), msg(in))
		require.Error(t, err, in)
		assert.True(t, IsPermanent(err), in)
	}
}

func TestBuiltin_Uppercase(t *testing.T) {
	p, _ := Builtin("uppercase")

	out, err := p.Process(context.Background(), msg("hello"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(out))

	out, err = p.Process(context.Background(), msg(`{"a":"b"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b","_transformed":"uppercase"}`, string(out))
}

func TestBuiltin_FaultDemo(t *testing.T) {
	p, _ := Builtin("faultdemo")

	_, err := p.Process(context.Background(), msg("this will error"))
	require.Error(t, err)
	assert.True(t, Classify(err))

	_, err = p.Process(context.Background(), msg("invalid payload"))
	require.Error(t, err)
	assert.False(t, Classify(err))

	out, err := p.Process(context.Background(), msg("fine"))
	require.NoError(t, err)
	assert.Equal(t, "fine", string(out))
}

func TestBuiltin_TransactionTiers(t *testing.T) {
	p, err := Builtin("txfilter")
	require.NoError(t, err)

	tests := []struct {
		value string
		want  string
	}{
		{`{"transactionId":"tx1","amount":1000000}`, HighAmountTopic},
		{`{"transactionId":"tx2","amount":2500000.5}`, HighAmountTopic},
		{`{"transactionId":"tx3","amount":100000}`, MediumAmountTopic},
		{`{"transactionId":"tx4","amount":999999.99}`, MediumAmountTopic},
		{`{"transactionId":"tx5","amount":99999}`, LowAmountTopic},
		{`{"transactionId":"tx6","amount":"150000"}`, MediumAmountTopic},
		{`{"transactionId":"tx7"}`, LowAmountTopic},
		{`not json`, LowAmountTopic},
	}
	for _, tt := range tests {
		m := msg(tt.value)
		out, err := p.Process(context.Background(), m)
		require.NoError(t, err, tt.value)
		assert.Equal(t, tt.value, string(out), "payload is forwarded unchanged")
		assert.Equal(t, tt.want, m.Route, tt.value)
	}
}

func TestBuiltin_NotificationFiltersLowPriority(t *testing.T) {
	p, err := Builtin("notification")
	require.NoError(t, err)

	out, err := p.Process(context.Background(), msg(`{"event":"disk","priority":8}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"disk","priority":8}`, string(out))

	for _, v := range []string{
		`{"event":"login","priority":5}`,
		`{"event":"login","priority":1}`,
		`{"event":"login"}`,
		`{broken`,
	} {
		_, err := p.Process(context.Background(), msg(v))
		assert.ErrorIs(t, err, ErrFiltered, v)
		assert.False(t, Classify(err), "a filtered message is never retried")
	}
}
