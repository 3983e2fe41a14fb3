// Package wizard conduz o assistente de configuração pelo terminal.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"lionchief-bridge/pkg/entry"
	"lionchief-bridge/pkg/setup"
)

var ErrCancelled = errors.New("setup cancelled")

// AbortError é devolvido quando o assistente termina sem criar a entrada.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string { return "setup aborted: " + e.Reason }

// Prompter é a parte do readline.Instance que o assistente usa.
type Prompter interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Stdout() io.Writer
}

var messages = map[string]string{
	setup.ErrNoDevicesFound:      "Nenhum trem LionChief encontrado. Verifique se o trem está ligado e perto do adaptador.",
	setup.ErrCannotConnect:       "Não foi possível encontrar o trem via Bluetooth.",
	setup.ErrInvalidMAC:          "MAC inválido. Use o formato AA:BB:CC:DD:EE:FF.",
	setup.ErrUnknown:             "Erro inesperado.",
	setup.AbortAlreadyConfigured: "Este trem já está configurado.",
	setup.AbortNotLionelDevice:   "O dispositivo não é um trem LionChief.",
}

func message(code string) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return code
}

// NewReadline cria o terminal interativo.
func NewReadline() (*readline.Instance, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return rl, nil
}

type Wizard struct {
	flow *setup.Flow
	rl   Prompter
	out  io.Writer
}

func New(flow *setup.Flow, rl Prompter) *Wizard {
	return &Wizard{flow: flow, rl: rl, out: rl.Stdout()}
}

// Run percorre os passos até a entrada ser criada ou o assistente ser abandonado.
func (w *Wizard) Run(ctx context.Context) (*entry.Entry, error) {
	fmt.Fprintln(w.out, "🔍 Procurando trens LionChief...")
	res, err := w.flow.StepUser(ctx, nil)
	if err != nil {
		return nil, err
	}
	return w.drive(ctx, res)
}

// RunDiscovered começa pela confirmação de um trem já visto pelo scan passivo.
func (w *Wizard) RunDiscovered(ctx context.Context, res setup.Result) (*entry.Entry, error) {
	return w.drive(ctx, res)
}

func (w *Wizard) drive(ctx context.Context, res setup.Result) (*entry.Entry, error) {
	var err error
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch res.Type {
		case setup.ResultCreateEntry:
			fmt.Fprintf(w.out, "✅ Trem %q (%s) configurado.\n", res.Entry.Name, res.Entry.MACAddress)
			return res.Entry, nil
		case setup.ResultAbort:
			fmt.Fprintln(w.out, "❌", message(res.Reason))
			return nil, &AbortError{Reason: res.Reason}
		}

		w.printErrors(res.Errors)
		switch res.StepID {
		case setup.StepUser:
			res, err = w.user(ctx, res)
		case setup.StepManual:
			res, err = w.manual(ctx, res)
		case setup.StepTrainModel:
			res, err = w.trainModel(ctx, res)
		case setup.StepBluetoothConfirm:
			res, err = w.confirm(ctx, res)
		default:
			return nil, fmt.Errorf("unexpected step %q", res.StepID)
		}
		if err != nil {
			return nil, err
		}
	}
}

func (w *Wizard) printErrors(errs map[string]string) {
	for field, code := range errs {
		if field == setup.ErrorBase {
			fmt.Fprintln(w.out, "⚠️ ", message(code))
		} else {
			fmt.Fprintf(w.out, "⚠️  %s: %s\n", field, message(code))
		}
	}
}

func (w *Wizard) ask(prompt string) (string, error) {
	w.rl.SetPrompt(prompt)
	line, err := w.rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return "", ErrCancelled
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// choose lista as opções e devolve o valor escolhido; linha vazia devolve def.
func (w *Wizard) choose(prompt string, opts []setup.Option, def string) (string, error) {
	for i, o := range opts {
		marker := " "
		if o.Value == def && def != "" {
			marker = "*"
		}
		fmt.Fprintf(w.out, " %s %d) %s\n", marker, i+1, o.Label)
	}
	for {
		line, err := w.ask(prompt)
		if err != nil {
			return "", err
		}
		if line == "" {
			return def, nil
		}
		n, err := strconv.Atoi(line)
		if err == nil && n >= 1 && n <= len(opts) {
			return opts[n-1].Value, nil
		}
		fmt.Fprintf(w.out, "Escolha um número entre 1 e %d.\n", len(opts))
	}
}

func (w *Wizard) user(ctx context.Context, res setup.Result) (setup.Result, error) {
	fmt.Fprintln(w.out, "Selecione o trem (Enter para escanear de novo):")
	choice, err := w.choose("device> ", res.Options, "")
	if err != nil {
		return setup.Result{}, err
	}
	if choice == "" {
		fmt.Fprintln(w.out, "🔍 Escaneando novamente...")
		return w.flow.StepUser(ctx, nil)
	}
	return w.flow.StepUser(ctx, &setup.UserInput{Device: choice})
}

func (w *Wizard) manual(ctx context.Context, res setup.Result) (setup.Result, error) {
	mac, err := w.ask("mac_address> ")
	if err != nil {
		return setup.Result{}, err
	}
	name, err := w.ask(fmt.Sprintf("name [%s]> ", res.Default))
	if err != nil {
		return setup.Result{}, err
	}
	service, err := w.ask("service_uuid [padrão LionChief]> ")
	if err != nil {
		return setup.Result{}, err
	}
	fmt.Fprintln(w.out, "🔍 Procurando o trem informado...")
	return w.flow.StepManual(ctx, &setup.ManualInput{MACAddress: mac, Name: name, ServiceUUID: service})
}

func (w *Wizard) trainModel(ctx context.Context, res setup.Result) (setup.Result, error) {
	fmt.Fprintf(w.out, "Modelo do trem %s:\n", res.Placeholders["name"])
	model, err := w.choose("train_model> ", res.Options, res.Default)
	if err != nil {
		return setup.Result{}, err
	}
	return w.flow.StepTrainModel(ctx, &setup.TrainModelInput{TrainModel: model})
}

func (w *Wizard) confirm(ctx context.Context, res setup.Result) (setup.Result, error) {
	fmt.Fprintf(w.out, "Configurar %s (%s)? [s/N]\n", res.Placeholders["name"], res.Placeholders["address"])
	answer, err := w.ask("confirm> ")
	if err != nil {
		return setup.Result{}, err
	}
	switch strings.ToLower(answer) {
	case "s", "sim", "y", "yes":
		return w.flow.StepBluetoothConfirm(ctx, true)
	}
	return setup.Result{}, ErrCancelled
}
