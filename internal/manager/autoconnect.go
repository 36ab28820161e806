package manager

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/lowaak/smart-trainer/fitness-hub/internal/bt"
	"github.com/lowaak/smart-trainer/fitness-hub/internal/go_func_utils"
)

const (
	DefaultVisibleFor = 30 * time.Second
	visibleCacheSize  = 256
)

// AutoConnector restores the assignments saved by a previous session. Each
// remembered device is added (when missing), given back its roles and
// connected as soon as it is known or seen advertising. Failures are logged
// and leave the assignment remembered.
type AutoConnector struct {
	logger  *log.Logger
	manager *Manager
	radio   bt.BTManagerInterface
	factory DeviceFactory

	// visible holds recent advertisements so a device seen shortly before
	// Start is resolved without waiting for the next one.
	visible *expirable.LRU[string, bt.ScanResult]

	// scanMu orders radio StartScan/StopScan with the scanning flag; taken before mu.
	scanMu    sync.Mutex
	mu        sync.Mutex
	started   bool
	ctx       context.Context
	cancel    context.CancelFunc
	wanted    map[string][]SavedAssignment
	resolving map[string]bool
	scanning  bool
	unlisten  func()
	wg        sync.WaitGroup
}

func NewAutoConnector(logger *log.Logger, manager *Manager, radio bt.BTManagerInterface, factory DeviceFactory, visibleFor time.Duration) *AutoConnector {
	if logger == nil {
		panic("AutoConnector: logger cannot be nil")
	}
	if visibleFor <= 0 {
		visibleFor = DefaultVisibleFor
	}
	return &AutoConnector{
		logger:    logger,
		manager:   manager,
		radio:     radio,
		factory:   factory,
		visible:   expirable.NewLRU[string, bt.ScanResult](visibleCacheSize, nil, visibleFor),
		wanted:    make(map[string][]SavedAssignment),
		resolving: make(map[string]bool),
	}
}

// Start loads the saved assignments and begins resolving them. It does not
// wait for any device.
func (a *AutoConnector) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	saved := a.manager.store.Load()
	if len(saved) == 0 {
		a.logger.Println("AutoConnector: Nothing to restore")
		return
	}
	a.manager.remember(saved)

	a.mu.Lock()
	for _, s := range saved {
		a.wanted[s.DeviceID] = append(a.wanted[s.DeviceID], s)
	}
	a.mu.Unlock()
	a.logger.Printf("AutoConnector: Restoring %d assignment(s) for %d device(s)", len(saved), len(a.Pending()))

	unlisten := a.radio.ListenToScanResults(a.onScanResult)
	a.mu.Lock()
	a.unlisten = unlisten
	a.mu.Unlock()
	for _, r := range a.radio.ScanResults() {
		a.visible.Add(r.ID, r)
	}

	for _, id := range a.Pending() {
		_, known := a.manager.Device(id)
		_, seen := a.visible.Get(id)
		if known || seen {
			a.resolveAsync(id)
		}
	}

	a.scanMu.Lock()
	a.mu.Lock()
	if len(a.wanted) == 0 || a.scanning {
		a.mu.Unlock()
		a.scanMu.Unlock()
		return
	}
	a.scanning = true
	filter := a.scanFilterLocked()
	a.mu.Unlock()
	a.logger.Printf("AutoConnector: Scanning for remembered devices %v", filter)
	a.radio.StartScan(filter)
	a.scanMu.Unlock()
	a.checkDone()
}

// Pending lists the remembered device ids not yet resolved.
func (a *AutoConnector) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.wanted))
	for id := range a.wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop ends scanning and waits for in-flight resolutions.
func (a *AutoConnector) Stop() {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	unlisten := a.unlisten
	a.unlisten = nil
	a.mu.Unlock()

	if unlisten != nil {
		unlisten()
	}
	a.stopScan()
	a.wg.Wait()
}

func (a *AutoConnector) scanFilterLocked() []string {
	var filter []string
	seen := make(map[string]bool)
	for _, saved := range a.wanted {
		for _, s := range saved {
			service, ok := ServiceForHint(s.TransportHint)
			if !ok {
				// an unknown hint needs an unfiltered scan
				return nil
			}
			if !seen[service] {
				seen[service] = true
				filter = append(filter, service)
			}
		}
	}
	sort.Strings(filter)
	return filter
}

func (a *AutoConnector) onScanResult(r bt.ScanResult) {
	a.visible.Add(r.ID, r)
	a.mu.Lock()
	_, wanted := a.wanted[r.ID]
	busy := a.resolving[r.ID]
	a.mu.Unlock()
	if wanted && !busy {
		a.resolveAsync(r.ID)
	}
}

func (a *AutoConnector) resolveAsync(id string) {
	a.mu.Lock()
	if a.resolving[id] || a.ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	a.resolving[id] = true
	a.wg.Add(1)
	a.mu.Unlock()

	go_func_utils.SafeGo(a.logger, func() {
		defer a.wg.Done()
		resolved := a.resolve(id)

		a.mu.Lock()
		delete(a.resolving, id)
		if resolved {
			delete(a.wanted, id)
		}
		a.mu.Unlock()
		a.checkDone()
	})
}

// resolve reports whether the device was added and its roles restored.
// A failed connect still counts: the device is known and keeps its roles.
func (a *AutoConnector) resolve(id string) bool {
	a.mu.Lock()
	saved := append([]SavedAssignment(nil), a.wanted[id]...)
	ctx := a.ctx
	a.mu.Unlock()
	if len(saved) == 0 {
		return true
	}

	d, ok := a.manager.Device(id)
	if !ok {
		scan, seen := a.visible.Get(id)
		if !seen {
			scan = bt.ScanResult{ID: id, Name: saved[0].DeviceName}
		}
		built, err := a.factory.NewDevice(saved[0].TransportHint, scan)
		if err != nil {
			a.logger.Printf("AutoConnector: Building %s failed: %v", id, err)
			return false
		}
		d, _ = a.manager.AddOrGetExisting(built)
	}

	for _, s := range saved {
		if err := a.manager.restore(s); err != nil {
			a.logger.Printf("AutoConnector: Restoring %s -> %s failed: %v", s.Role, id, err)
		}
	}

	if err := d.Connect(ctx); err != nil {
		a.logger.Printf("AutoConnector: Connecting %s failed: %v", id, err)
	} else {
		a.logger.Printf("AutoConnector: %s connected", id)
	}
	return true
}

func (a *AutoConnector) checkDone() {
	a.mu.Lock()
	done := len(a.wanted) == 0
	a.mu.Unlock()
	if done || a.manager.allRolesLive() {
		a.stopScan()
	}
}

func (a *AutoConnector) stopScan() {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()
	a.mu.Lock()
	scanning := a.scanning
	a.scanning = false
	a.mu.Unlock()
	if !scanning {
		return
	}
	if err := a.radio.StopScan(); err != nil {
		a.logger.Printf("AutoConnector: StopScan failed: %v", err)
		return
	}
	a.logger.Println("AutoConnector: Scan stopped")
}
