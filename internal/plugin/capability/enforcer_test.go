package capability_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetchat/fleet/internal/plugin/capability"
	"github.com/fleetchat/fleet/pkg/errutil"
)

func TestEnforcer_Check(t *testing.T) {
	tests := []struct {
		name       string
		grants     []string
		capability string
		want       bool
	}{
		{"exact match", []string{"clipboard.read"}, "clipboard.read", true},
		{"single segment wildcard", []string{"clipboard.*"}, "clipboard.write", true},
		{"single wildcard does not cross segments", []string{"system.*"}, "system.open.url", false},
		{"double wildcard crosses segments", []string{"system.**"}, "system.open.url", true},
		{"root wildcard", []string{"**"}, "storage", true},
		{"no match", []string{"clipboard.read"}, "clipboard.write", false},
		{"prefix is not a grant", []string{"clipboard"}, "clipboard.read", false},
		{"empty grants", []string{}, "storage", false},
		{"empty capability", []string{"**"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := capability.NewEnforcer()
			require.NoError(t, e.Grant("demo@1.0.0", tt.grants))
			assert.Equal(t, tt.want, e.Check("demo@1.0.0", tt.capability))
		})
	}
}

func TestEnforcer_UnknownPluginDenied(t *testing.T) {
	e := capability.NewEnforcer()
	assert.False(t, e.Check("ghost@1.0.0", capability.Storage))
	assert.False(t, e.Registered("ghost@1.0.0"))
}

func TestEnforcer_ZeroValue(t *testing.T) {
	var e capability.Enforcer
	assert.False(t, e.Check("p", capability.Storage))
	require.NoError(t, e.Grant("p", []string{capability.Storage}))
	assert.True(t, e.Check("p", capability.Storage))
}

func TestEnforcer_GrantIsAtomic(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.Grant("p", []string{capability.Storage}))

	err := e.Grant("p", []string{capability.ClipboardRead, "[unclosed"})
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, capability.CodeInvalidGrant)

	assert.Equal(t, []string{capability.Storage}, e.Granted("p"))
}

func TestEnforcer_GrantRejectsEmpty(t *testing.T) {
	e := capability.NewEnforcer()
	assert.Error(t, e.Grant("", nil))
	assert.Error(t, e.Grant("p", []string{""}))
}

func TestEnforcer_Revoke(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.Grant("p", []string{capability.Storage}))
	e.Revoke("p")
	assert.False(t, e.Registered("p"))
	assert.Nil(t, e.Granted("p"))
	e.Revoke("never-granted")
}

func TestEnforcer_GrantedReturnsCopy(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.Grant("p", []string{capability.Storage}))
	got := e.Granted("p")
	got[0] = "mutated"
	assert.Equal(t, []string{capability.Storage}, e.Granted("p"))
}

func TestEnforcer_Require(t *testing.T) {
	e := capability.NewEnforcer()
	require.NoError(t, e.Grant("p", []string{capability.ClipboardRead}))

	assert.NoError(t, e.Require("p", capability.ClipboardRead))

	err := e.Require("p", capability.ClipboardWrite)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, capability.CodeDenied)
	errutil.AssertErrorContext(t, err, "capability", capability.ClipboardWrite)
}

func TestMatches(t *testing.T) {
	assert.True(t, capability.Matches([]string{"clipboard.*"}, capability.ClipboardRead))
	assert.False(t, capability.Matches([]string{"[bad"}, capability.ClipboardRead))
	assert.False(t, capability.Matches(nil, capability.Storage))
}

func TestEnforcer_ConcurrentAccess(t *testing.T) {
	e := capability.NewEnforcer()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = e.Grant("p", []string{capability.Storage})
		}()
		go func() {
			defer wg.Done()
			_ = e.Check("p", capability.Storage)
		}()
	}
	wg.Wait()
	assert.True(t, e.Check("p", capability.Storage))
}
