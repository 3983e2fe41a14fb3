package lionchief

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameChecksum(t *testing.T) {
	// 0x48 + 0x01 = 0x49; 0x100 - 0x49 = 0xb7
	assert.Equal(t, []byte{0x00, 0x48, 0x01, 0xb7}, SetHorn(true))
	assert.Equal(t, []byte{0x00, 0x45, 0x00, 0xbb}, SetSpeed(0))
	assert.Equal(t, []byte{0x00, 0x4d, 0x02, 0x00, 0xb1}, PlayAnnouncement(2))
}

func TestSpeedPercent(t *testing.T) {
	assert.Equal(t, byte(0), SpeedPercent(-5))
	assert.Equal(t, byte(0), SpeedPercent(0))
	assert.Equal(t, byte(15), SpeedPercent(50))
	assert.Equal(t, byte(MaxSpeed), SpeedPercent(100))
	assert.Equal(t, byte(MaxSpeed), SpeedPercent(250))
}

func TestDecodeBuilders(t *testing.T) {
	cmd, err := Decode(SetDirection(false))
	require.NoError(t, err)
	assert.Equal(t, OpDirection, cmd.Op)
	assert.False(t, cmd.Forward())

	cmd, err = Decode(SetDirection(true))
	require.NoError(t, err)
	assert.True(t, cmd.Forward())

	cmd, err = Decode(SetLights(true))
	require.NoError(t, err)
	assert.Equal(t, OpLights, cmd.Op)
	assert.True(t, cmd.On())
	assert.Equal(t, "lights(01)", cmd.String())
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{0x00, 0x45})
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = Decode([]byte{0x01, 0x45, 0x00, 0xbb})
	assert.ErrorIs(t, err, ErrBadPrefix)

	_, err = Decode([]byte{0x00, 0x45, 0x00, 0xbc})
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "bell", OpBell.String())
	assert.Equal(t, "0x99", Opcode(0x99).String())
}
