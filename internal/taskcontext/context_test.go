package taskcontext

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/scaffoldd/internal/intelligence"
)

func TestContext_Features(t *testing.T) {
	c := New("t", "u", "backend", "/w", time.Now())
	c.AddFeatures("auth", "search", "auth", "")
	assert.Equal(t, []string{"auth", "search"}, c.CurrentFeatures)

	c.RemoveFeature("auth")
	assert.Equal(t, []string{"search"}, c.CurrentFeatures)
}

func TestContext_CloneIsIndependent(t *testing.T) {
	c := New("t", "u", "frontend", "/w", time.Now())
	c.AddFeatures("a")
	c.Solution = &intelligence.Solution{Scripts: map[string]string{"build": "vite build"}}
	c.Intent.Metadata = map[string]any{"k": "v"}

	clone := c.Clone()
	clone.AddFeatures("b")
	clone.Solution.Scripts["build"] = "changed"
	clone.Intent.Metadata["k"] = "changed"

	assert.Equal(t, []string{"a"}, c.CurrentFeatures)
	assert.Equal(t, "vite build", c.Solution.Scripts["build"])
	assert.Equal(t, "v", c.Intent.Metadata["k"])
}

func TestDownload_ExpiresAfterTTL(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d := NewDownload("t", FormatZip, false, now, 0)
	d.Status = DownloadReady

	assert.Equal(t, now.Add(24*time.Hour), d.ExpiresAt)
	assert.Equal(t, DownloadReady, d.EffectiveStatus(now.Add(23*time.Hour)))
	assert.Equal(t, DownloadExpired, d.EffectiveStatus(now.Add(24*time.Hour)))
}

func TestNewModification_DefaultsPriority(t *testing.T) {
	m := NewModification("t", AddFeature, "dark mode", "", time.Now())
	assert.Equal(t, PriorityMedium, m.Priority)
	assert.Equal(t, ModPending, m.Status)
	require.NotEmpty(t, m.ID)
}

func TestOptions(t *testing.T) {
	o := DefaultOptions()
	assert.Equal(t, 30*time.Minute, o.MaxExecutionTime())
	assert.Equal(t, 3, o.StepRetries(5))

	o.MaxRetries = 0
	assert.Equal(t, 5, o.StepRetries(5))

	o.RetryOnFailure = false
	assert.Equal(t, 1, o.StepRetries(5))
}

func TestDerivedProgress(t *testing.T) {
	for status, want := range map[TestStatus]int{
		TestPending: 25,
		TestRunning: 50,
		TestFailed:  75,
		TestPassed:  100,
		"":          25,
	} {
		assert.Equal(t, want, DerivedProgress(status), string(status))
	}
}
