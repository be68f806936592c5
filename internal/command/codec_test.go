package command

import (
	"errors"
	"strings"
	"testing"

	"github.com/nodepassproject/npctl/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSingleTarget(t *testing.T) {
	got, err := Encode(Instance{
		Scheme:     SchemeServer,
		TunnelPort: "10101",
		Targets:    []Address{{Host: "", Port: "8080"}},
		Log:        LogDebug,
		Mode:       ModeListen,
	})
	require.NoError(t, err)
	assert.Equal(t, "server://:10101/:8080?log=debug&mode=1", got)
}

func TestEncodeOmitsUnrequestedDefaults(t *testing.T) {
	got, err := Encode(Instance{
		Scheme:     SchemeClient,
		TunnelHost: "203.0.113.5",
		TunnelPort: "10101",
		Targets:    []Address{{Host: "127.0.0.1", Port: "22"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "client://203.0.113.5:10101/127.0.0.1:22", got)
	assert.NotContains(t, got, "mode=")
	assert.NotContains(t, got, "log=")
}

func TestEncodeParameterOrder(t *testing.T) {
	got, err := Encode(Instance{
		Scheme:     SchemeClient,
		TunnelHost: "relay.example.com",
		TunnelPort: "443",
		Targets:    []Address{{Host: "10.0.0.2", Port: "80"}},
		Params:     []Param{{Key: "rate", Value: "100"}, {Key: "", Value: "dropped"}, {Key: "notcp"}},
		Max:        "1024",
		Min:        "64",
		TLS:        TLSSelf,
		Mode:       ModeConnect,
		Log:        LogWarn,
	})
	require.NoError(t, err)
	assert.Equal(t, "client://relay.example.com:443/10.0.0.2:80?log=warn&mode=2&tls=1&min=64&max=1024&rate=100&notcp=", got)
}

func TestEncodeMultipleTargets(t *testing.T) {
	got, err := Encode(Instance{
		Scheme:     SchemeClient,
		TunnelHost: "127.0.0.1",
		TunnelPort: "9000",
		Targets: []Address{
			{Host: "10.0.0.1", Port: "80"},
			{Host: "10.0.0.2", Port: "8080"},
		},
		Mode: ModeListen,
	})
	require.NoError(t, err)
	assert.Equal(t, "client://127.0.0.1:9000/10.0.0.1:80,10.0.0.2:8080?mode=1", got)
}

func TestEncodeRejectsBadPorts(t *testing.T) {
	cases := []Instance{
		{Scheme: SchemeServer, TunnelPort: "70000"},
		{Scheme: SchemeServer, TunnelPort: "abc"},
		{Scheme: SchemeServer, TunnelPort: ""},
		{Scheme: SchemeServer, TunnelPort: "1", Targets: []Address{{Host: "x", Port: "-1"}}},
	}
	for _, c := range cases {
		_, err := Encode(c)
		assert.True(t, errors.Is(err, ErrInvalidPort), "expected ErrInvalidPort for %+v, got %v", c, err)
	}
}

func TestDecode(t *testing.T) {
	inst, err := Decode("server://:10101/:8080?log=info&mode=1&tls=2&crt=%2Fetc%2Fcert.pem&key=/etc/key.pem")
	require.NoError(t, err)
	assert.Equal(t, SchemeServer, inst.Scheme)
	assert.Equal(t, "", inst.TunnelHost)
	assert.Equal(t, "10101", inst.TunnelPort)
	assert.Equal(t, []Address{{Host: "", Port: "8080"}}, inst.Targets)
	assert.Equal(t, LogInfo, inst.Log)
	assert.Equal(t, ModeListen, inst.Mode)
	assert.Equal(t, TLSCustom, inst.TLS)
	crt, ok := inst.Param("crt")
	assert.True(t, ok)
	assert.Equal(t, "/etc/cert.pem", crt)
	key, _ := inst.Param("key")
	assert.Equal(t, "/etc/key.pem", key)
}

func TestDecodeDuplicateKeyLastWins(t *testing.T) {
	inst, err := Decode("client://h:1/t:2?rate=1&log=warn&rate=5&log=debug")
	require.NoError(t, err)
	assert.Equal(t, LogDebug, inst.Log)
	assert.Equal(t, []Param{{Key: "rate", Value: "5"}}, inst.Params)
}

func TestDecodeKeepsUnknownValues(t *testing.T) {
	inst, err := Decode("tunnel://h:1/t:2?log=verbose")
	require.NoError(t, err)
	assert.Equal(t, Scheme("tunnel"), inst.Scheme)
	assert.False(t, inst.Scheme.Known())
	assert.Equal(t, LogLevel("verbose"), inst.Log)
	assert.False(t, inst.Log.Known())
}

func TestDecodePathWithoutColon(t *testing.T) {
	inst, err := Decode("client://h:1/justhost")
	require.NoError(t, err)
	assert.Equal(t, []Address{{}}, inst.Targets)
	assert.Equal(t, Address{}, inst.Target())
}

func TestDecodeSplitsOnLastColon(t *testing.T) {
	inst, err := Decode("client://[2001:db8::1]:10101/::1:8080")
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::1", inst.TunnelHost)
	assert.Equal(t, Address{Host: "::1", Port: "8080"}, inst.Target())
}

func TestDecodeInvalid(t *testing.T) {
	for _, raw := range []string{"", "no-scheme", "server:opaque", "client://h:port/x:1", "client://h:1/x:1?a=%zz"} {
		_, err := Decode(raw)
		assert.True(t, errors.Is(err, ErrInvalidURL), "expected ErrInvalidURL for %q, got %v", raw, err)
	}
}

func TestRoundTrip(t *testing.T) {
	cases := []Instance{
		{Scheme: SchemeServer, TunnelPort: "10101", Targets: []Address{{Port: "8080"}}},
		{Scheme: SchemeServer, TunnelHost: "0.0.0.0", TunnelPort: "0", Targets: []Address{{Host: "", Port: "65535"}}, Mode: ModeAuto},
		{Scheme: SchemeClient, TunnelHost: "relay.example.com", TunnelPort: "443",
			Targets: []Address{{Host: "10.0.0.1", Port: "80"}, {Host: "10.0.0.2", Port: "81"}},
			Log:     LogEvent, Mode: ModeConnect, TLS: TLSOff, Min: "8", Max: "256",
			Params: []Param{{Key: "note", Value: "a b&c=d"}, {Key: "empty", Value: ""}}},
		{Scheme: SchemeClient, TunnelHost: "fe80::1", TunnelPort: "9000", Targets: []Address{{Host: "::1", Port: "22"}}},
		{Scheme: SchemeServer, TunnelPort: "1"},
	}
	for _, c := range cases {
		raw, err := Encode(c)
		require.NoError(t, err)
		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, c, got, "round trip through %s", raw)

		again, err := Encode(got)
		require.NoError(t, err)
		assert.Equal(t, raw, again)
	}
}

func TestEncodeRepeatedParamKeepsLastValue(t *testing.T) {
	in := Instance{
		Scheme:     SchemeClient,
		TunnelHost: "h",
		TunnelPort: "1",
		Params:     []Param{{Key: "a", Value: "1"}, {Key: "b", Value: "x"}, {Key: "a", Value: "2"}},
	}
	raw, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, "client://h:1?a=2&b=x", raw)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, []Param{{Key: "a", Value: "2"}, {Key: "b", Value: "x"}}, got.Params)
	again, err := Encode(got)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestEncodeRejectsReservedHostCharacters(t *testing.T) {
	for _, host := range []string{"fe80::1%eth0", "a%41", "a,b", "a?b", "a#b", "a/b", "a@b"} {
		_, err := Encode(Instance{Scheme: SchemeClient, TunnelPort: "1", Targets: []Address{{Host: host, Port: "80"}}})
		assert.True(t, errors.Is(err, ErrInvalidURL), "target %q: got %v", host, err)

		_, err = Encode(Instance{Scheme: SchemeClient, TunnelHost: host, TunnelPort: "1"})
		assert.True(t, errors.Is(err, ErrInvalidURL), "tunnel %q: got %v", host, err)
	}
}

func TestBuildSchemeFromRole(t *testing.T) {
	relay, err := Build(model.TunnelForwardRelay, Address{Port: "10101"}, []Address{{Port: "8080"}}, Options{Mode: ModeListen})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(relay, "server://"))

	dest, err := Build(model.TunnelForwardDestination, Address{Host: "relay", Port: "10101"}, []Address{{Host: "127.0.0.1", Port: ""}}, Options{Mode: ModeConnect, TargetPortFallback: "80"})
	require.NoError(t, err)
	assert.Equal(t, "client://relay:10101/127.0.0.1:80?mode=2", dest)
}

func TestBuildValidatesOptions(t *testing.T) {
	_, err := Build(model.DirectForwardClient, Address{Port: "1"}, nil, Options{Log: "loud"})
	assert.Error(t, err)
	_, err = Build(model.DirectForwardClient, Address{Port: "1"}, nil, Options{Min: "x"})
	assert.Error(t, err)
	_, err = Build(model.DirectForwardClient, Address{Port: "1"}, []Address{{Host: "a"}}, Options{})
	assert.True(t, errors.Is(err, ErrInvalidPort))
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("example.com:443")
	require.NoError(t, err)
	assert.Equal(t, Address{Host: "example.com", Port: "443"}, a)

	a, err = ParseAddress("8080")
	require.NoError(t, err)
	assert.Equal(t, Address{Port: "8080"}, a)

	_, err = ParseAddress("host:99999")
	assert.True(t, errors.Is(err, ErrInvalidPort))
}
