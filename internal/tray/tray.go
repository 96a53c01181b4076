// Package tray shows the pantry status in the desktop system tray.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"

	"github.com/ayusman/smartpantry/internal/ledger"
	"github.com/ayusman/smartpantry/internal/store"
)

// Tray is the system tray menu: pause/resume tracking, the number of items
// held and the last inventory change.
type Tray struct {
	onToggle func(enabled bool)
	onOpen   func()
	onQuit   func()
	enabled  bool
	held     map[string]bool
	last     string
	mu       sync.RWMutex

	// Menu items stored for later updates
	menuToggle *systray.MenuItem
	menuHeld   *systray.MenuItem
	menuLast   *systray.MenuItem
}

// New creates a Tray with tracking enabled.
func New() *Tray {
	return &Tray{
		enabled: true,
		held:    make(map[string]bool),
	}
}

// OnToggle sets the callback run when tracking is paused or resumed.
func (t *Tray) OnToggle(fn func(enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnOpen sets the callback run when "Open Inventory..." is clicked.
func (t *Tray) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = fn
}

// OnQuit sets the callback run when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray. It blocks until systray.Quit is called and
// must run on the main goroutine.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetTitle("Pantry")
	systray.SetTooltip("smartpantry inventory")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleLabel(t.enabled), "Pause or resume tracking")
	systray.AddSeparator()

	t.menuHeld = systray.AddMenuItem(heldLabel(len(t.held)), "Items currently in the pantry")
	t.menuHeld.Disable()
	t.menuLast = systray.AddMenuItem(lastOrNone(t.last), "Last inventory change")
	t.menuLast.Disable()
	t.mu.Unlock()
	systray.AddSeparator()

	menuOpen := systray.AddMenuItem("Open Inventory...", "Open the inventory in the browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit smartpantry")

	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuOpen.ClickedCh:
				t.handleOpen()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.enabled = !t.enabled
	enabled := t.enabled
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleLabel(enabled))
	}
	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(enabled)
	}
}

func (t *Tray) handleOpen() {
	t.mu.RLock()
	callback := t.onOpen
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
	systray.Quit()
}

// SetInventory replaces the held items, as after a restore.
func (t *Tray) SetInventory(entries []ledger.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.held = make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.InInventory {
			t.held[e.Identity] = true
		}
	}
	if t.menuHeld != nil {
		t.menuHeld.SetTitle(heldLabel(len(t.held)))
	}
}

// Update records a committed transaction. Its signature matches
// ledger.Observer.
func (t *Tray) Update(tx store.Transaction, entry ledger.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry.InInventory {
		t.held[entry.Identity] = true
	} else {
		delete(t.held, entry.Identity)
	}
	t.last = lastLabel(tx)

	if t.menuHeld != nil {
		t.menuHeld.SetTitle(heldLabel(len(t.held)))
	}
	if t.menuLast != nil {
		t.menuLast.SetTitle(t.last)
	}
}

// Held returns how many identities are in the pantry.
func (t *Tray) Held() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.held)
}

// Last returns the label of the last inventory change.
func (t *Tray) Last() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lastOrNone(t.last)
}

// IsEnabled returns the current enabled state.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

func toggleLabel(enabled bool) string {
	if enabled {
		return "● Tracking"
	}
	return "○ Paused"
}

func heldLabel(n int) string {
	if n == 1 {
		return "1 item in pantry"
	}
	return fmt.Sprintf("%d items in pantry", n)
}

func lastLabel(tx store.Transaction) string {
	if tx.Kind == store.KindCompensation {
		return fmt.Sprintf("Last: %s corrected (%+d)", tx.Identity, tx.Delta)
	}
	return fmt.Sprintf("Last: %s %s→%s (%+d)", tx.Identity, tx.FromRegion, tx.ToRegion, tx.Delta)
}

func lastOrNone(last string) string {
	if last == "" {
		return "Last: none"
	}
	return last
}

// Quit closes the tray and makes Run return.
func (t *Tray) Quit() {
	systray.Quit()
}
