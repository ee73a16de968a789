package grantflowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetStatusSendsCredentialsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/proposals/p-1/status", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "approve", body["status"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"Dean/VP approved Part A","outcome":{"step":"step1","proposal":{"id":"p-1","level3":true}},"notifications":[{"id":"n-1","event":"approved_part_a","recipients":["pi@example.edu"],"status":"sent"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	res, err := c.SetStatus(context.Background(), "p-1", "approve")
	require.NoError(t, err)
	assert.Equal(t, "Dean/VP approved Part A", res.Message)
	assert.Equal(t, "step1", res.Outcome.Step)
	assert.True(t, res.Outcome.Proposal.Level3)
	require.Len(t, res.Notifications, 1)
	assert.Equal(t, "approved_part_a", res.Notifications[0].Event)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":"permission_denied","message":"Access Denied"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key-1"
	_, err := c.SetStatus(context.Background(), "p-1", "approve")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "permission_denied", apiErr.Code)
	assert.Equal(t, "Access Denied", apiErr.Message)
}

func TestEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events", r.URL.Path)
		assert.Equal(t, "p-1", r.URL.Query().Get("proposal_id"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "42", r.URL.Query().Get("cursor"))
		_, _ = w.Write([]byte(`{"items":[{"id":41,"type":"proposal.status","payload":{"status":"approve"}}],"next_cursor":"40"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), "p-1", 10, "42")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "approve", page.Items[0].Payload["status"])
	assert.Equal(t, "40", page.NextCursor)
}

func TestGetProposalAndPermissions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/proposals/p-1":
			_, _ = w.Write([]byte(`{"proposal":{"id":"p-1","title":"Reef"},"approvers":[],"permissions":{"view":true},"step1_complete":true,"step2_complete":false}`))
		case "/v1/proposals/p-1/permissions":
			_, _ = w.Write([]byte(`{"view":true,"approve":"level3","decline":true}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	view, err := c.GetProposal(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Reef", view.Proposal.Title)
	assert.True(t, view.Step1)
	assert.False(t, view.Step2)

	perms, err := c.Permissions(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, "level3", perms.Approve)
	assert.True(t, perms.Decline)

	_, err = c.GetProposal(context.Background(), "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
