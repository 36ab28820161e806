package main

import (
	"context"
	"log"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/manager"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/sensor"
)

const simTickInterval = time.Second

// simulated ids are derived from fixed names so saved assignments survive
// restarts
var (
	simNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/lowaak/smart-trainer/fitness-hub/simulate"))
	simTrainerID = uuid.NewSHA1(simNamespace, []byte("trainer")).String()
	simStrapID   = uuid.NewSHA1(simNamespace, []byte("heart-rate-strap")).String()
)

// runSimulation advertises a virtual FTMS trainer and heart rate strap when
// the hub runs with --simulate. Without saved assignments they are added and
// assigned straight away.
func runSimulation(r radio, logger *log.Logger, m *manager.Manager, factory manager.DeviceFactory, store *manager.RoleStore, lc fx.Lifecycle) {
	if r.sim == nil {
		return
	}
	trainer := ftms.NewSimulatedTrainer(logger, r.sim, simTrainerID, "Simulated Trainer")
	strap := bt.NewMockDevice(simStrapID, "Simulated HRM", sensor.HeartRateServiceUUID)
	r.sim.AddDevice(strap)
	r.sim.Advertise(simStrapID)

	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if len(store.Load()) == 0 {
				adoptSimulated(ctx, logger, r.sim, m, factory)
			}
			go_func_utils.SafeGo(logger, func() { driveSimulation(done, trainer, strap) })
			return nil
		},
		OnStop: func(context.Context) error {
			close(done)
			return nil
		},
	})
}

func adoptSimulated(ctx context.Context, logger *log.Logger, radio *bt.MockBTManager, m *manager.Manager, factory manager.DeviceFactory) {
	roles := map[string]manager.Role{
		simTrainerID: manager.RolePrimaryTrainer,
		simStrapID:   manager.RoleHeartRateSource,
	}
	for _, scan := range radio.ScanResults() {
		role, ok := roles[scan.ID]
		if !ok {
			continue
		}
		d, err := factory.NewDevice("", scan)
		if err != nil {
			logger.Printf("Simulation: %s: %v", scan.ID, err)
			continue
		}
		d, _ = m.AddOrGetExisting(d)
		if err := m.Assign(role, d.ID()); err != nil {
			logger.Printf("Simulation: assign %s: %v", role, err)
		}
		if err := d.Connect(ctx); err != nil {
			logger.Printf("Simulation: connect %s: %v", d.Name(), err)
		}
	}
}

// driveSimulation pushes one trainer frame and one heart rate reading per
// tick until done is closed.
func driveSimulation(done <-chan struct{}, trainer *ftms.Simulator, strap *bt.MockDevice) {
	ticker := time.NewTicker(simTickInterval)
	defer ticker.Stop()
	bpm := 110
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			trainer.Tick(140+rand.IntN(20), 85+rand.IntN(6))
			bpm += rand.IntN(5) - 2
			bpm = min(max(bpm, 95), 170)
			strap.Notify(sensor.HeartRateServiceUUID, sensor.HeartRateMeasurementUUID, []byte{0x00, byte(bpm)})
		}
	}
}
