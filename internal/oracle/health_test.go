package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthCheckNotInstalled(t *testing.T) {
	a := New(func(agent string) (string, error) { return "", assertNotFound{} })
	result := a.HealthCheck(context.Background(), "gemini")
	assert.False(t, result.Installed)
	assert.Equal(t, HealthStepInstalled, result.ErrorStep)
}

func TestHealthCheckWorking(t *testing.T) {
	script := writeScript(t, `echo ok`)
	a := adapterFor(script)
	result := a.HealthCheck(context.Background(), "claude")
	assert.True(t, result.Installed)
	assert.True(t, result.Authenticated)
	assert.True(t, result.Working)
}

func TestHealthCheckAuthFailure(t *testing.T) {
	script := writeScript(t, `echo 'Error: not authenticated' 1>&2; exit 1`)
	a := adapterFor(script)
	result := a.HealthCheck(context.Background(), "claude")
	assert.True(t, result.Installed)
	assert.False(t, result.Authenticated)
	assert.Equal(t, HealthStepAuthenticated, result.ErrorStep)
}

func TestHealthCheckConnectivityFailure(t *testing.T) {
	script := writeScript(t, `echo 'boom' 1>&2; exit 1`)
	a := adapterFor(script)
	result := a.HealthCheck(context.Background(), "claude")
	assert.True(t, result.Installed)
	assert.True(t, result.Authenticated)
	assert.False(t, result.Working)
	assert.Equal(t, HealthStepWorking, result.ErrorStep)
}
