// Package lionchief monta os quadros de comando enviados ao trem LionChief via BLE.
//
// Formato do quadro: 0x00, opcode, parâmetros..., checksum.
// O checksum faz a soma (mod 256) de opcode + parâmetros + checksum dar zero.
package lionchief

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// UUIDs e convenção de nome anunciados pelos trens LionChief.
const (
	ServiceUUID    = "e20a39f4-73f5-4bc4-a12f-17d1ad07a961"
	WriteCharUUID  = "08590f7e-db05-467e-8757-72f6faeb13d4"
	NotifyCharUUID = "08590f7e-db05-467e-8757-72f6faeb14d3"
	NamePrefix     = "LC"
)

// Opcode identifica o comando.
type Opcode byte

const (
	OpSpeed        Opcode = 0x45
	OpDirection    Opcode = 0x46
	OpBell         Opcode = 0x47
	OpHorn         Opcode = 0x48
	OpAnnouncement Opcode = 0x4d
	OpLights       Opcode = 0x51
)

// MaxSpeed é o maior valor bruto de velocidade aceito pelo trem.
const MaxSpeed = 0x1f

const (
	directionForward = 0x01
	directionReverse = 0x02
)

var (
	ErrShortFrame  = errors.New("lionchief: frame too short")
	ErrBadPrefix   = errors.New("lionchief: frame must start with 0x00")
	ErrBadChecksum = errors.New("lionchief: checksum mismatch")
)

var opcodeNames = map[Opcode]string{
	OpSpeed:        "speed",
	OpDirection:    "direction",
	OpBell:         "bell",
	OpHorn:         "horn",
	OpAnnouncement: "announcement",
	OpLights:       "lights",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", byte(o))
}

// Frame monta um quadro completo com prefixo e checksum.
func Frame(op Opcode, params ...byte) []byte {
	out := make([]byte, 0, len(params)+3)
	out = append(out, 0x00, byte(op))
	out = append(out, params...)
	return append(out, checksum(op, params))
}

func checksum(op Opcode, params []byte) byte {
	sum := byte(op)
	for _, p := range params {
		sum += p
	}
	return -sum
}

// SpeedPercent converte 0..100 para a escala 0..31 do trem.
func SpeedPercent(percent int) byte {
	if percent <= 0 {
		return 0
	}
	if percent >= 100 {
		return MaxSpeed
	}
	return byte(percent * MaxSpeed / 100)
}

func boolByte(on bool) byte {
	if on {
		return 0x01
	}
	return 0x00
}

func SetSpeed(percent int) []byte { return Frame(OpSpeed, SpeedPercent(percent)) }

func SetDirection(forward bool) []byte {
	if forward {
		return Frame(OpDirection, directionForward)
	}
	return Frame(OpDirection, directionReverse)
}

func SetBell(on bool) []byte   { return Frame(OpBell, boolByte(on)) }
func SetHorn(on bool) []byte   { return Frame(OpHorn, boolByte(on)) }
func SetLights(on bool) []byte { return Frame(OpLights, boolByte(on)) }

// PlayAnnouncement toca a fala do código (0 = aleatória).
func PlayAnnouncement(code byte) []byte { return Frame(OpAnnouncement, code, 0x00) }

// Command é um quadro já validado.
type Command struct {
	Op     Opcode
	Params []byte
}

func (c Command) String() string {
	return fmt.Sprintf("%s(%s)", c.Op, hex.EncodeToString(c.Params))
}

// Forward informa a direção de um comando OpDirection.
func (c Command) Forward() bool {
	return len(c.Params) > 0 && c.Params[0] == directionForward
}

// On informa o estado de comandos liga/desliga (sino, buzina, luzes).
func (c Command) On() bool {
	return len(c.Params) > 0 && c.Params[0] != 0
}

// Decode valida e separa um quadro recebido.
func Decode(frame []byte) (Command, error) {
	if len(frame) < 3 {
		return Command{}, ErrShortFrame
	}
	if frame[0] != 0x00 {
		return Command{}, ErrBadPrefix
	}
	var sum byte
	for _, b := range frame[1:] {
		sum += b
	}
	if sum != 0 {
		return Command{}, fmt.Errorf("%w: % x", ErrBadChecksum, frame)
	}
	params := make([]byte, len(frame)-3)
	copy(params, frame[2:len(frame)-1])
	return Command{Op: Opcode(frame[1]), Params: params}, nil
}
