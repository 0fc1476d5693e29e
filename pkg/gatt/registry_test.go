package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testService = UUID16(0xAAAA)
	testAuth    = UUID16(0xBBBB)
	testCode    = UUID16(0xCCCC)
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(testService)
	_, err := svc.AddCharacteristic(testAuth, RoleAuthorization, PropRead|PropWrite|PropReadEncrypted|PropWriteEncrypted)
	require.NoError(t, err)
	_, err = svc.AddCharacteristic(testCode, RoleRollingCode, PropNotify)
	require.NoError(t, err)
	return svc
}

func TestServiceLifecycle(t *testing.T) {
	svc := NewService(testService)
	assert.ErrorIs(t, svc.Start(), ErrEmptyService)

	svc = newTestService(t)
	_, err := svc.AddCharacteristic(testAuth, RoleLiveness, PropRead)
	assert.ErrorIs(t, err, ErrDuplicate)
	_, err = svc.AddCharacteristic(UUID{}, RoleLiveness, PropRead)
	assert.ErrorIs(t, err, ErrInvalidIdentifier)

	require.NoError(t, svc.Start())
	require.NoError(t, svc.Start())
	assert.True(t, svc.Started())

	_, err = svc.AddCharacteristic(UUID16(0xDDDD), RoleLiveness, PropRead)
	assert.ErrorIs(t, err, ErrServiceStarted)
	assert.Len(t, svc.Characteristics(), 2)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	svc := newTestService(t)
	assert.ErrorIs(t, r.Register(svc), ErrServiceNotStarted)

	require.NoError(t, svc.Start())
	require.NoError(t, r.Register(svc))
	assert.Error(t, r.Register(svc))

	c, err := r.Lookup(testService, testCode)
	require.NoError(t, err)
	assert.Equal(t, RoleRollingCode, c.Role)

	_, err = r.Lookup(testService, UUID16(0xDDDD))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Lookup(UUID16(0x1234), testCode)
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := r.Find(testAuth)
	require.NoError(t, err)
	assert.True(t, found.WriteRequiresEncryption())

	svcID, byRole, err := r.ByRole(RoleRollingCode)
	require.NoError(t, err)
	assert.Equal(t, testService, svcID)
	assert.Same(t, c, byRole)

	_, _, err = r.ByRole(RoleLiveness)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryFindPrefersFirstService(t *testing.T) {
	r := NewRegistry()
	first := newTestService(t)
	require.NoError(t, first.Start())
	require.NoError(t, r.Register(first))

	second := NewService(UUID16(0xEEEE))
	shadow, err := second.AddCharacteristic(testCode, RoleUnknown, PropRead)
	require.NoError(t, err)
	require.NoError(t, second.Start())
	require.NoError(t, r.Register(second))

	want, err := r.Lookup(testService, testCode)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		found, err := r.Find(testCode)
		require.NoError(t, err)
		assert.Same(t, want, found)
	}
	c, err := r.Lookup(UUID16(0xEEEE), testCode)
	require.NoError(t, err)
	assert.Same(t, shadow, c)

	_, err = r.Find(UUID16(0x9999))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCharacteristicValue(t *testing.T) {
	c := NewCharacteristic(testCode, RoleRollingCode, PropNotify)
	assert.Nil(t, c.Value())
	assert.True(t, c.SetValue([]byte{1, 2}))
	assert.False(t, c.SetValue([]byte{1, 2}))

	v := c.Value()
	v[0] = 9
	assert.Equal(t, []byte{1, 2}, c.Value())
	assert.True(t, c.CanPush())
	assert.False(t, c.ReadRequiresEncryption())
}
