package channel_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/tradewire/tradewire/channel"
	"github.com/tradewire/tradewire/channel/channeltest"
)

func TestParseDestination(t *testing.T) {
	testCases := []struct {
		s    string
		want channel.Destination
		err  bool
	}{
		{s: "telegram:123456", want: channel.Destination{Channel: "telegram", ID: "123456"}},
		{s: "sms:+15551234567", want: channel.Destination{Channel: "sms", ID: "+15551234567"}},
		{s: "mqtt:alerts/critical", want: channel.Destination{Channel: "mqtt", ID: "alerts/critical"}},
		{s: "kafka:ops:commands", want: channel.Destination{Channel: "kafka", ID: "ops:commands"}},
		{s: "telegram", err: true},
		{s: ":123", err: true},
		{s: "telegram:", err: true},
		{s: "", err: true},
	}
	for _, tc := range testCases {
		d, err := channel.ParseDestination(tc.s)
		if tc.err {
			if err == nil {
				t.Errorf("%q: expected error, got %v", tc.s, d)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.s, err)
			continue
		}
		if d != tc.want {
			t.Errorf("%q: got %v exp %v", tc.s, d, tc.want)
		}
		if d.String() != tc.s {
			t.Errorf("%q: String() round trip got %q", tc.s, d.String())
		}
	}
}

func TestGroupSet_Resolve(t *testing.T) {
	gs := channel.NewGroupSet(map[string][]channel.Destination{
		"ops": {
			{Channel: "telegram", ID: "123"},
			{Channel: "sms", ID: "+15550001111"},
			{Channel: "smtp", ID: "oncall@example.com"},
		},
		"fills": {
			{Channel: "telegram", ID: "123"},
		},
	})

	dests, err := gs.Resolve("ops")
	if err != nil {
		t.Fatal(err)
	}
	exp := []channel.Destination{
		{Channel: "telegram", ID: "123"},
		{Channel: "sms", ID: "+15550001111"},
		{Channel: "smtp", ID: "oncall@example.com"},
	}
	if !cmp.Equal(exp, dests) {
		t.Fatalf("unexpected destinations: %s", cmp.Diff(exp, dests))
	}

	if _, err := gs.Resolve("nope"); !errors.Is(err, channel.ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}

	groups := gs.Groups()
	if !cmp.Equal([]string{"fills", "ops"}, groups) {
		t.Fatalf("unexpected groups: %v", groups)
	}
}

func TestGroupSet_Validate(t *testing.T) {
	reg := channel.NewRegistry()
	if err := reg.Register("telegram", channeltest.NewAdapter()); err != nil {
		t.Fatal(err)
	}

	gs := channel.NewGroupSet(map[string][]channel.Destination{
		"ops": {{Channel: "telegram", ID: "123"}},
	})
	if err := gs.Validate(reg); err != nil {
		t.Fatal(err)
	}

	gs = channel.NewGroupSet(map[string][]channel.Destination{
		"ops": {
			{Channel: "telegram", ID: "123"},
			{Channel: "discord", ID: "general"},
		},
	})
	err := gs.Validate(reg)
	if !errors.Is(err, channel.ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestParseGroups(t *testing.T) {
	data := []byte(`
groups:
  ops:
    - "telegram:123456789"
    - "smtp:oncall@example.com"
  fills:
    - "discord:fills"
`)
	groups, err := channel.ParseGroups(data)
	if err != nil {
		t.Fatal(err)
	}
	exp := map[string][]channel.Destination{
		"ops": {
			{Channel: "telegram", ID: "123456789"},
			{Channel: "smtp", ID: "oncall@example.com"},
		},
		"fills": {
			{Channel: "discord", ID: "fills"},
		},
	}
	if !cmp.Equal(exp, groups) {
		t.Fatalf("unexpected groups: %s", cmp.Diff(exp, groups))
	}
}

func TestParseGroups_BadDestination(t *testing.T) {
	data := []byte(`
groups:
  ops:
    - "telegram"
`)
	if _, err := channel.ParseGroups(data); err == nil {
		t.Fatal("expected error for destination without id")
	}
}
