package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/garrettladley/payhook/internal/signature"
	"github.com/garrettladley/payhook/internal/version"
	"github.com/garrettladley/payhook/internal/xhttp"
)

func TestSignMatchesValidator(t *testing.T) {
	t.Parallel()

	const body = `{"id":"evt_1","type":"PAYMENT_COMPLETED"}`

	cmd := signCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(body))
	cmd.SetArgs([]string{"--secret", "whsec_local"})
	require.NoError(t, cmd.Execute())

	sig := strings.TrimSpace(out.String())
	ok := signature.NewValidator().Validate(t.Context(), []byte(body), sig, signature.Secret{Value: "whsec_local"})
	require.True(t, ok, "printed signature %q must validate", sig)
}

func TestSignAllListsStrategies(t *testing.T) {
	t.Parallel()

	cmd := signCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(`{}`))
	cmd.SetArgs([]string{"--secret", "plain", "--all"})
	require.NoError(t, cmd.Execute())

	require.Contains(t, out.String(), "raw/sha256/hex")
	require.Contains(t, out.String(), "raw/sha1/prefixed")
}

func TestSendDeliversSignedPayload(t *testing.T) {
	t.Parallel()

	const body = `{"id":"evt_2"}`

	var (
		gotSig, gotType, gotUA string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get(xhttp.XEventType)
		gotUA = r.UserAgent()
		xhttp.WriteOK(w, map[string]bool{"accepted": true})
	}))
	t.Cleanup(srv.Close)

	cmd := sendCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader(body))
	cmd.SetArgs([]string{"--url", srv.URL + "/webhooks/acme", "--secret", "k", "--event-type", "PAYMENT_COMPLETED"})
	require.NoError(t, cmd.Execute())

	want, err := signature.Sign([]byte(body), "k", defaultStrategy)
	require.NoError(t, err)
	require.Equal(t, want, gotSig)
	require.Equal(t, "PAYMENT_COMPLETED", gotType)
	require.Equal(t, version.UserAgent(), gotUA)
	require.Contains(t, out.String(), "200 OK")
}

func TestSendFailsOnRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	cmd := sendCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(`{}`))
	cmd.SetArgs([]string{"--url", srv.URL, "--secret", "k"})
	require.Error(t, cmd.Execute())
}
