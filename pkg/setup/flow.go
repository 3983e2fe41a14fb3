// Package setup implementa o assistente de configuração: descoberta BLE, escolha do trem,
// entrada manual de MAC, escolha do modelo e gravação da entrada.
//
// Cada passo recebe a resposta do usuário (nil para só exibir o formulário) e devolve um
// Result: outro formulário, a entrada criada ou o motivo do abandono.
package setup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"lionchief-bridge/pkg/ble"
	"lionchief-bridge/pkg/entry"
	"lionchief-bridge/pkg/lionchief"
	"lionchief-bridge/pkg/trainmodel"
)

type StepID string

const (
	StepUser             StepID = "user"
	StepManual           StepID = "manual"
	StepTrainModel       StepID = "train_model"
	StepBluetoothConfirm StepID = "bluetooth_confirm"
)

type ResultType string

const (
	ResultForm        ResultType = "form"
	ResultCreateEntry ResultType = "create_entry"
	ResultAbort       ResultType = "abort"
)

// ManualEntry é a opção especial da lista de dispositivos que leva à digitação do MAC.
const ManualEntry = "__manual_entry__"

// DefaultName é usado quando o usuário não informa um nome na entrada manual.
const DefaultName = "Lionel Train"

// Chaves e códigos de erro exibidos nos formulários.
const (
	ErrorBase       = "base"
	ErrorMACAddress = "mac_address"

	ErrNoDevicesFound = "no_devices_found"
	ErrCannotConnect  = "cannot_connect"
	ErrInvalidMAC     = "invalid_mac"
	ErrUnknown        = "unknown"
)

// Motivos de abandono.
const (
	AbortAlreadyConfigured = "already_configured"
	AbortNotLionelDevice   = "not_lionel_device"
)

var errDeviceNotFound = errors.New("device not found during scan")

// Option é uma escolha de uma lista (dispositivo ou modelo).
type Option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Result descreve o que a interface deve mostrar a seguir.
type Result struct {
	Type         ResultType        `json:"type"`
	StepID       StepID            `json:"step_id,omitempty"`
	Options      []Option          `json:"options,omitempty"`
	Default      string            `json:"default,omitempty"`
	Errors       map[string]string `json:"errors,omitempty"`
	Placeholders map[string]string `json:"placeholders,omitempty"`
	Entry        *entry.Entry      `json:"entry,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// Candidate é um trem encontrado no scan; vive só durante o assistente.
type Candidate struct {
	MACAddress string
	Name       string
}

// Discoverer é a parte do scanner BLE que o assistente usa (pkg/ble.DeviceScanner).
type Discoverer interface {
	Cached() []ble.Advertisement
	Discover(ctx context.Context, timeout time.Duration) ([]ble.Advertisement, error)
}

type UserInput struct {
	Device string
}

type ManualInput struct {
	MACAddress  string
	Name        string
	ServiceUUID string
}

type TrainModelInput struct {
	TrainModel string
}

type Options struct {
	ScanTimeout time.Duration
	NamePrefix  string
	ServiceUUID string
}

func (o Options) withDefaults() Options {
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = 10 * time.Second
	}
	if o.NamePrefix == "" {
		o.NamePrefix = lionchief.NamePrefix
	}
	if o.ServiceUUID == "" {
		o.ServiceUUID = lionchief.ServiceUUID
	}
	return o
}

// Flow guarda o estado de uma sessão do assistente. Não é seguro para uso concorrente.
type Flow struct {
	store   entry.Store
	scanner Discoverer
	opts    Options
	log     *logrus.Entry

	scanned    map[string]Candidate
	order      []string
	pending    *entry.Entry
	discovered *ble.Advertisement
}

func NewFlow(store entry.Store, scanner Discoverer, opts Options, log *logrus.Entry) *Flow {
	return &Flow{
		store:   store,
		scanner: scanner,
		opts:    opts.withDefaults(),
		log:     log,
		scanned: make(map[string]Candidate),
	}
}

// Candidates devolve os trens encontrados no último scan, na ordem em que foram vistos.
func (f *Flow) Candidates() []Candidate {
	out := make([]Candidate, 0, len(f.order))
	for _, mac := range f.order {
		out = append(out, f.scanned[mac])
	}
	return out
}

// StepUser é o passo inicial: escaneia e mostra a lista, ou trata a escolha feita.
func (f *Flow) StepUser(ctx context.Context, in *UserInput) (Result, error) {
	if in != nil {
		if in.Device == ManualEntry {
			return f.StepManual(ctx, nil)
		}
		if c, ok := f.scanned[in.Device]; ok {
			configured, err := entry.Configured(ctx, f.store, c.MACAddress)
			if err != nil {
				return Result{}, err
			}
			if configured {
				return abort(AbortAlreadyConfigured), nil
			}
			f.pending = &entry.Entry{
				MACAddress:  c.MACAddress,
				Name:        c.Name,
				ServiceUUID: f.opts.ServiceUUID,
				Source:      entry.SourceUser,
			}
			return f.StepTrainModel(ctx, nil)
		}
	}

	errs := map[string]string{}
	f.log.Info("Procurando trens LionChief...")
	if err := f.scan(ctx); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		f.log.WithError(err).Warn("Erro ao escanear dispositivos Bluetooth")
		errs[ErrorBase] = ErrCannotConnect
	}
	f.log.WithField("found", len(f.order)).Info("Scan concluído.")

	opts := make([]Option, 0, len(f.order)+1)
	for _, c := range f.Candidates() {
		opts = append(opts, Option{Value: c.MACAddress, Label: fmt.Sprintf("%s (%s)", c.Name, c.MACAddress)})
	}
	opts = append(opts, Option{Value: ManualEntry, Label: "Enter MAC address manually..."})

	if len(f.order) == 0 && errs[ErrorBase] == "" {
		errs[ErrorBase] = ErrNoDevicesFound
	}

	return Result{Type: ResultForm, StepID: StepUser, Options: opts, Errors: nilIfEmpty(errs)}, nil
}

// scan consulta primeiro o cache de anúncios e só faz scan ativo se o cache não tiver trens.
func (f *Flow) scan(ctx context.Context) error {
	f.scanned = make(map[string]Candidate)
	f.order = nil

	configured, err := entry.ConfiguredSet(ctx, f.store)
	if err != nil {
		return err
	}

	f.collect(f.scanner.Cached(), configured)
	if len(f.order) > 0 {
		return nil
	}

	f.log.Debug("Nenhum trem no cache, fazendo scan ativo...")
	advs, err := f.scanner.Discover(ctx, f.opts.ScanTimeout)
	if err != nil {
		return err
	}
	f.collect(advs, configured)
	return nil
}

func (f *Flow) collect(advs []ble.Advertisement, configured map[string]struct{}) {
	for _, a := range advs {
		if !f.isTrain(a) {
			continue
		}
		mac := entry.NormalizeMAC(a.Address)
		if _, ok := configured[mac]; ok {
			f.log.WithField("mac", mac).Debug("Ignorando dispositivo já configurado")
			continue
		}
		if _, seen := f.scanned[mac]; seen {
			continue
		}
		f.scanned[mac] = Candidate{MACAddress: mac, Name: a.Name}
		f.order = append(f.order, mac)
		f.log.WithFields(logrus.Fields{"name": a.Name, "mac": mac}).Info("Trem encontrado")
	}
}

// isTrain aceita pelo prefixo do nome ("LC...") ou pelo UUID de serviço anunciado;
// o UUID nem sempre vem no anúncio, então o nome é o filtro principal.
func (f *Flow) isTrain(a ble.Advertisement) bool {
	if strings.HasPrefix(strings.ToUpper(a.Name), strings.ToUpper(f.opts.NamePrefix)) {
		return true
	}
	return a.HasService(f.opts.ServiceUUID)
}

// StepManual valida o MAC digitado, confirma que o trem aparece num scan e grava a entrada.
func (f *Flow) StepManual(ctx context.Context, in *ManualInput) (Result, error) {
	form := Result{Type: ResultForm, StepID: StepManual, Default: DefaultName}
	if in == nil {
		return form, nil
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = DefaultName
	}
	service := strings.TrimSpace(in.ServiceUUID)
	if service == "" {
		service = f.opts.ServiceUUID
	}

	err := f.validateManual(ctx, in.MACAddress)
	switch {
	case err != nil && ctx.Err() != nil:
		return Result{}, ctx.Err()
	case errors.Is(err, entry.ErrInvalidMAC):
		form.Errors = map[string]string{ErrorMACAddress: ErrInvalidMAC}
		return form, nil
	case errors.Is(err, errDeviceNotFound):
		form.Errors = map[string]string{ErrorBase: ErrCannotConnect}
		return form, nil
	}

	e, err := entry.New(in.MACAddress, name, service, "", entry.SourceManual)
	if err != nil {
		return Result{}, err
	}
	res, err := f.create(ctx, e)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		// falha do store: o formulário continua aberto para nova tentativa
		f.log.WithError(err).Error("Erro inesperado ao gravar a entrada")
		form.Errors = map[string]string{ErrorBase: ErrUnknown}
		return form, nil
	}
	return res, nil
}

func (f *Flow) validateManual(ctx context.Context, mac string) error {
	if !entry.ValidMAC(mac) {
		return entry.ErrInvalidMAC
	}
	advs, err := f.scanner.Discover(ctx, f.opts.ScanTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", errDeviceNotFound, err)
	}
	want := entry.NormalizeMAC(mac)
	for _, a := range advs {
		if entry.NormalizeMAC(a.Address) == want {
			return nil
		}
	}
	return errDeviceNotFound
}

// StepTrainModel pergunta o modelo do trem escolhido na lista.
func (f *Flow) StepTrainModel(ctx context.Context, in *TrainModelInput) (Result, error) {
	if f.pending == nil {
		return Result{}, errors.New("train model step without a selected device")
	}

	if in != nil {
		model := in.TrainModel
		if model == "" {
			model = trainmodel.Generic
		}
		e, err := entry.New(f.pending.MACAddress, f.pending.Name, f.pending.ServiceUUID, model, f.pending.Source)
		if err != nil {
			return Result{}, err
		}
		return f.create(ctx, e)
	}

	opts := make([]Option, 0, len(trainmodel.Options()))
	for _, m := range trainmodel.Options() {
		opts = append(opts, Option{Value: m, Label: m})
	}
	return Result{
		Type:         ResultForm,
		StepID:       StepTrainModel,
		Options:      opts,
		Default:      trainmodel.Generic,
		Placeholders: map[string]string{"name": f.pending.Name},
	}, nil
}

// StepBluetooth é a entrada do assistente quando o scan passivo vê um trem novo.
func (f *Flow) StepBluetooth(ctx context.Context, adv ble.Advertisement) (Result, error) {
	configured, err := entry.Configured(ctx, f.store, adv.Address)
	if err != nil {
		return Result{}, err
	}
	if configured {
		return abort(AbortAlreadyConfigured), nil
	}
	if !adv.HasService(f.opts.ServiceUUID) {
		return abort(AbortNotLionelDevice), nil
	}

	adv.Address = entry.NormalizeMAC(adv.Address)
	f.discovered = &adv
	return f.StepBluetoothConfirm(ctx, false)
}

// StepBluetoothConfirm mostra a confirmação (confirm=false) ou grava a entrada descoberta.
func (f *Flow) StepBluetoothConfirm(ctx context.Context, confirm bool) (Result, error) {
	if f.discovered == nil {
		return Result{}, errors.New("bluetooth confirm step without a discovered device")
	}
	adv := f.discovered

	if !confirm {
		name := adv.Name
		if name == "" {
			name = fmt.Sprintf("%s (%s)", DefaultName, macSuffix(adv.Address))
		}
		return Result{
			Type:         ResultForm,
			StepID:       StepBluetoothConfirm,
			Placeholders: map[string]string{"name": name, "address": adv.Address},
		}, nil
	}

	name := adv.Name
	if name == "" {
		name = DefaultName + " " + strings.ReplaceAll(macSuffix(adv.Address), ":", "")
	}
	e, err := entry.New(adv.Address, name, f.opts.ServiceUUID, "", entry.SourceBluetooth)
	if err != nil {
		return Result{}, err
	}
	return f.create(ctx, e)
}

func (f *Flow) create(ctx context.Context, e *entry.Entry) (Result, error) {
	if err := f.store.Create(ctx, e); err != nil {
		if errors.Is(err, entry.ErrAlreadyConfigured) {
			return abort(AbortAlreadyConfigured), nil
		}
		return Result{}, fmt.Errorf("store entry: %w", err)
	}
	f.log.WithFields(logrus.Fields{"mac": e.MACAddress, "name": e.Name}).Info("✅ Trem configurado")
	return Result{Type: ResultCreateEntry, Entry: e}, nil
}

func abort(reason string) Result {
	return Result{Type: ResultAbort, Reason: reason}
}

// macSuffix devolve os dois últimos octetos ("EE:FF").
func macSuffix(mac string) string {
	if len(mac) < 5 {
		return mac
	}
	return mac[len(mac)-5:]
}

func nilIfEmpty(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	return m
}
