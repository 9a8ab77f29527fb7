package hil

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/fkm-protocol/connector-go/pkg/wire"
)

// Engine timing constants, in milliseconds of the injected clock.
const (
	// ackGraceMs is how long past its schedule a device may sit in
	// wait-for-ack or verify-wait before the step is fatal.
	ackGraceMs = 5000

	// ackSettleMs delays the next step after an ack arrives.
	ackSettleMs = 250

	// Random solve times are drawn from [solveTimeMinMs, solveTimeMaxMs).
	solveTimeMinMs = 501
	solveTimeMaxMs = 14132
)

// Device is the engine's record of one virtual device.
type Device struct {
	ID uint32

	// CurrentTest indexes the running test; -1 between tests.
	CurrentTest int
	CurrentStep int

	// NextStepTime schedules the next step on the injected clock.
	NextStepTime uint64

	WaitForAck bool

	// BackPacket is the last attempt the device submitted upstream.
	BackPacket wire.RequestData

	// LastSnapshot is the state dump from the latest TestAck.
	LastSnapshot *wire.Snapshot

	// LastSolveTime is the last stackmat time the engine emitted.
	LastSolveTime uint64

	// LastTest avoids picking the same test twice in a row.
	LastTest int

	CompletedCount int
}

// newDevice creates a device record ready to pick its first test.
func newDevice(id uint32) *Device {
	return &Device{
		ID:          id,
		CurrentTest: -1,
		LastTest:    -1,
	}
}

// Config configures an Engine. GetMS and Rand are injectable so tests
// run on a virtual clock with a fixed seed; with both fixed, the emitted
// packet sequence is deterministic.
type Config struct {
	// GetMS returns the current monotonic time in milliseconds. Required.
	GetMS func() uint64

	// Rand is the random source (default: a freshly seeded PCG).
	Rand *rand.Rand

	// Logger for engine progress (default: slog.Default()).
	Logger *slog.Logger

	// Status seeds the non-device fields of emitted ServerStatus events.
	Status wire.ServerStatus
}

// Engine drives virtual-device test programs from the back-end side of
// the control-plane protocol. Not safe for concurrent use: the driver
// serializes Feed and Process calls.
type Engine struct {
	program *Program
	cfg     Config
	rng     *rand.Rand
	logger  *slog.Logger

	devices          []*Device
	shouldSendStatus bool
	completedCount   int
	queue            []wire.Response
}

// New creates an engine over a loaded program.
func New(program *Program, cfg Config) *Engine {
	if cfg.GetMS == nil {
		panic("hil: Config.GetMS is required")
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		program: program,
		cfg:     cfg,
		rng:     rng,
		logger:  logger,
	}
}

// Devices returns the live device records (shared, not copies).
func (e *Engine) Devices() []*Device {
	return e.devices
}

// CompletedCount returns the total number of finished test runs.
func (e *Engine) CompletedCount() int {
	return e.completedCount
}

// AddDevice registers a virtual device, as the initial status roster
// does on startup.
func (e *Engine) AddDevice(id uint32) {
	if e.device(id) != nil {
		return
	}
	e.devices = append(e.devices, newDevice(id))
}

// Feed handles one inbound record from the connector.
func (e *Engine) Feed(req *wire.Request) {
	switch data := req.Data.(type) {
	case wire.RequestToConnectDevice:
		if e.device(data.EspID) != nil {
			return
		}
		e.logger.Info("device joined", "esp_id", data.EspID, "type", data.Type)
		e.devices = append(e.devices, newDevice(data.EspID))
		e.sendStatus()
		e.reply(req.Tag, wire.Empty{}, false)
		e.sendTestPacket(data.EspID, wire.HardStateReset{})

	case wire.PersonInfo:
		resp, isErr := e.personInfo(data)
		e.reply(req.Tag, resp, isErr)

	case wire.EnterAttempt:
		if d := e.device(data.EspID); d != nil {
			d.BackPacket = data
			d.NextStepTime = e.now()
		}
		e.reply(req.Tag, wire.Empty{}, false)

	case wire.TestAck:
		if d := e.device(data.EspID); d != nil {
			d.WaitForAck = false
			snapshot := data.Snapshot
			d.LastSnapshot = &snapshot
			d.NextStepTime = e.now() + ackSettleMs
		}

	default:
		e.reply(req.Tag, wire.Empty{}, false)
	}
}

// personInfo answers a card lookup from the program's card fixtures.
func (e *Engine) personInfo(req wire.PersonInfo) (wire.ResponseData, bool) {
	cardID, err := strconv.ParseUint(req.CardID, 10, 64)
	if err != nil {
		return wire.ErrorData{Message: "Competitor not found"}, true
	}
	card, ok := e.program.Cards[cardID]
	if !ok {
		return wire.ErrorData{Message: "Competitor not found"}, true
	}

	registrant := card.RegistrantID
	wcaID := card.WcaID
	country := "PL"
	var groups []wire.PossibleGroup
	for _, g := range e.program.Groups {
		for _, want := range card.Groups {
			if g.GroupID == want {
				groups = append(groups, g)
				break
			}
		}
	}

	return wire.PersonInfoResp{
		ID:             req.CardID,
		RegistrantID:   &registrant,
		Name:           card.Name,
		WcaID:          &wcaID,
		CountryISO2:    &country,
		Gender:         "Male",
		CanCompete:     card.CanCompete,
		PossibleGroups: groups,
	}, false
}

// Process advances every device one scheduling round and returns the
// records to write out. Devices are visited in reverse so dropping a
// failed one is safe mid-iteration.
func (e *Engine) Process() []wire.Response {
	if e.shouldSendStatus {
		e.sendStatus()
		e.shouldSendStatus = false
	}

	for i := len(e.devices) - 1; i >= 0; i-- {
		d := e.devices[i]
		fail := e.step(d)
		if fail == nil {
			continue
		}

		testIdx := d.CurrentTest
		if testIdx < 0 {
			testIdx = 0
		}
		e.logger.Error("hil step failed",
			"esp_id", d.ID,
			"test", testIdx,
			"step", d.CurrentStep,
			"detail", fail.detail)

		line2 := fmt.Sprintf("S:%d", d.CurrentStep)
		if fail.detail != "" {
			line2 += " " + fail.detail
		}
		e.sendCustomMessage(d.ID, fmt.Sprintf("HIL Error T:%d", testIdx), line2)

		e.devices = append(e.devices[:i], e.devices[i+1:]...)
		e.shouldSendStatus = true
	}

	out := e.queue
	e.queue = nil
	return out
}

// stepFailure is a fatal step outcome; detail lands on the device screen.
type stepFailure struct {
	detail string
}

func failf(format string, args ...any) *stepFailure {
	return &stepFailure{detail: fmt.Sprintf(format, args...)}
}

// step advances one device through at most one program step.
func (e *Engine) step(d *Device) *stepFailure {
	now := e.now()

	// The ack/verify grace is checked here and only here; a step that
	// just scheduled itself is never re-judged at the bottom.
	if d.WaitForAck {
		if now >= d.NextStepTime+ackGraceMs {
			return failf("ack timeout")
		}
		return nil
	}

	if now < d.NextStepTime {
		return nil
	}

	if d.CurrentTest < 0 {
		idx := e.rng.IntN(len(e.program.Tests))
		if idx == d.LastTest {
			idx++
			if idx >= len(e.program.Tests) {
				idx = 0
			}
		}

		d.CurrentTest = idx
		d.CurrentStep = 0
		d.NextStepTime = now
		d.LastTest = idx
		e.logger.Info("starting test", "esp_id", d.ID, "test", e.program.Tests[idx].Name)
	}

	test := &e.program.Tests[d.CurrentTest]
	if d.CurrentStep >= len(test.Steps) {
		e.completedCount++
		d.CompletedCount++
		e.logger.Info("test finished",
			"esp_id", d.ID,
			"test", test.Name,
			"device_total", d.CompletedCount,
			"total", e.completedCount)
		d.CurrentTest = -1
		return nil
	}

	switch step := test.Steps[d.CurrentStep].(type) {
	case SleepStep:
		d.CurrentStep++
		d.NextStepTime = now + step.Ms
		// Sleep schedules itself; no sleep-between.
		return nil

	case ResetStateStep:
		e.sendTestPacket(d.ID, wire.ResetState{})
		d.WaitForAck = true
		d.CurrentStep++
		d.NextStepTime = now

	case SolveTimeStep:
		value := uint64(solveTimeMinMs + e.rng.Int64N(solveTimeMaxMs-solveTimeMinMs))
		e.sendTestPacket(d.ID, wire.StackmatTime(value))
		d.LastSolveTime = value
		d.WaitForAck = true
		d.CurrentStep++
		d.NextStepTime = now + value

	case ScanCardStep:
		e.sendTestPacket(d.ID, wire.ScanCard(step.CardID))
		d.WaitForAck = true
		d.CurrentStep++
		d.NextStepTime = now

	case ButtonStep:
		pin, ok := e.program.Buttons[step.Name]
		if !ok {
			return failf("unknown button %s", step.Name)
		}
		e.sendTestPacket(d.ID, wire.ButtonPress{Pin: pin, PressTime: step.Time})
		if step.Ack == nil || *step.Ack {
			d.WaitForAck = true
		}
		d.CurrentStep++
		d.NextStepTime = now + step.Time

	case VerifySendStep:
		if d.BackPacket == nil {
			if now >= d.NextStepTime+ackGraceMs {
				return failf("send timeout")
			}
			// Not ready; re-check next round without advancing.
			return nil
		}
		if fail := e.verifySend(d, step); fail != nil {
			return fail
		}
		d.BackPacket = nil
		d.CurrentStep++

	case VerifySnapshotStep:
		if d.LastSnapshot == nil {
			return failf("no snapshot")
		}
		for _, query := range step.Queries {
			ok, err := EvalSnapshotQuery(d.LastSnapshot, d.LastSolveTime, query)
			if err != nil {
				return failf("bad dsl")
			}
			if !ok {
				return failf("%s", query)
			}
		}
		d.CurrentStep++

	case DelegateResolveStep:
		if step.Value != nil {
			d.LastSolveTime = *step.Value
		}
		var valueCs *uint64
		if step.Value != nil {
			cs := *step.Value / 10
			valueCs = &cs
		}
		e.push(wire.Response{Data: wire.IncidentResolved{
			EspID:           d.ID,
			ShouldScanCards: step.ShouldScanCards,
			Attempt: wire.IncidentAttempt{
				SessionID: "",
				Penalty:   step.Penalty,
				Value:     valueCs,
			},
		}})
		d.CurrentStep++

	default:
		return failf("unmatched step")
	}

	d.NextStepTime += test.SleepBetween
	return nil
}

// verifySend checks the device's submitted attempt against expectations.
func (e *Engine) verifySend(d *Device, step VerifySendStep) *stepFailure {
	attempt, ok := d.BackPacket.(wire.EnterAttempt)
	if !ok {
		return failf("wrong packet %s", wire.RequestKind(d.BackPacket))
	}

	expected := d.LastSolveTime
	if step.Time != nil {
		if *step.Time == -1 {
			if d.LastSolveTime > math.MaxInt64 {
				return failf("solve time overflow")
			}
		} else {
			expected = uint64(*step.Time)
		}
	}

	expectedCs := expected / 10
	if attempt.Value != expectedCs {
		return failf("%d/%d", attempt.Value, expectedCs)
	}
	if step.Penalty != nil && attempt.Penalty != *step.Penalty {
		return failf("pen %d/%d", attempt.Penalty, *step.Penalty)
	}
	if attempt.IsDelegate != step.Delegate {
		return failf("delegate %t/%t", attempt.IsDelegate, step.Delegate)
	}
	return nil
}

func (e *Engine) device(id uint32) *Device {
	for _, d := range e.devices {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (e *Engine) now() uint64 {
	return e.cfg.GetMS()
}

func (e *Engine) push(resp wire.Response) {
	e.queue = append(e.queue, resp)
}

func (e *Engine) reply(tag *uint32, data wire.ResponseData, isErr bool) {
	errFlag := isErr
	e.push(wire.Response{Tag: tag, Error: &errFlag, Data: data})
}

func (e *Engine) sendStatus() {
	status := e.cfg.Status
	status.Devices = make([]wire.DeviceStatus, 0, len(e.devices))
	for _, d := range e.devices {
		status.Devices = append(status.Devices, wire.DeviceStatus{EspID: d.ID})
	}
	e.push(wire.Response{Data: status})
}

func (e *Engine) sendTestPacket(espID uint32, data wire.TestPacketData) {
	e.push(wire.Response{Data: wire.TestPacketEvent{EspID: espID, Data: data}})
}

func (e *Engine) sendCustomMessage(espID uint32, line1, line2 string) {
	e.push(wire.Response{Data: wire.CustomMessage{EspID: espID, Line1: line1, Line2: line2}})
}
