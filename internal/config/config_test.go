package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplate(t *testing.T) {
	cfg := Default("Test University")
	assert.Equal(t, "Test University", cfg.Institution.Name)
	assert.Equal(t, "veep", cfg.Workflow.StandingRoles.VPBusiness)
	assert.Equal(t, DefaultCacheTTL, cfg.Directory.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Notifications.Retry.Interval)
	assert.Equal(t, 5, cfg.Notifications.Retry.MaxAttempts)
	assert.Equal(t, "grantflow:directory:", cfg.Directory.Redis.Prefix)

	fac, ok := cfg.Department("FAC")
	require.True(t, ok)
	assert.Equal(t, DepartmentStaff, fac.Kind)
	_, ok = cfg.Department("NOPE")
	assert.False(t, ok)
}

func TestOSPRecipientsDefaultToAdminGroup(t *testing.T) {
	yaml := strings.Replace(GenerateDefault("U"), "  osp_recipients: [osp@example.edu]\n", "", 1)
	cfg, err := FromYAML([]byte(yaml))
	require.NoError(t, err)
	assert.Equal(t, []string{"osp-admin"}, cfg.Notifications.OSPRecipients)
}

func TestValidateRejects(t *testing.T) {
	base := GenerateDefault("U")
	cases := map[string]struct {
		old, new string
		want     string
	}{
		"missing institution":   {`name: "U"`, `name: ""`, "institution.name"},
		"unknown standing role": {"vp_business: veep", "vp_business: ghost", "unknown person ghost"},
		"bad department kind":   {"kind: staff", "kind: contractor", "invalid kind"},
		"unknown dean":          {"dean: dean-sci}\n    - {code: CHEM", "dean: nobody}\n    - {code: CHEM", "unknown person nobody"},
		"empty admin group":     {"admin_group: [osp-admin]", "admin_group: []", "admin_group"},
		"webhook without url":   {"webhooks: []", "webhooks: [{events: [declined]}]", "webhooks[0].url"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Contains(t, base, tc.old)
			_, err := FromYAML([]byte(strings.Replace(base, tc.old, tc.new, 1)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWebhookActive(t *testing.T) {
	off := false
	assert.True(t, WebhookConfig{URL: "http://x"}.Active())
	assert.False(t, WebhookConfig{URL: "http://x", Enabled: &off}.Active())
	assert.False(t, WebhookConfig{}.Active())
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)
	_, err = Load(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("U")), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Len(t, cfg.Directory.Departments, 4)
}
