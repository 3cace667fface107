package tui

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
)

// KeyEvent represents a keyboard event.
type KeyEvent struct {
	Key  tcell.Key
	Rune rune
	Mod  tcell.ModMask
}

// App is the main TUI application controller. It watches one drone at a
// time; with several fetchers the number keys switch between them.
type App struct {
	model    *Model
	view     *View
	header   *HeaderBar
	footer   *FooterBar
	fetchers []DataFetcher
	screen   tcell.Screen

	// Channels
	stopChan chan struct{}
	keyChan  chan KeyEvent

	// Synchronization
	mu      sync.RWMutex
	running bool

	// Reconnection settings
	reconnectInterval time.Duration
	reconnectTimeout  time.Duration

	// Key debouncing for Windows
	lastKeyTime time.Time
	lastKey     tcell.Key
	lastRune    rune
}

// NewApp creates a new TUI application watching the given drones. At least
// one fetcher is required.
func NewApp(fetchers ...DataFetcher) *App {
	model := NewModel()
	model.TotalNodes = len(fetchers)
	if len(fetchers) > 0 {
		model.NodeName = fetchers[0].Name()
	}
	return &App{
		model:             model,
		view:              NewView(),
		header:            NewHeaderBar(true),
		footer:            NewFooterBar(80),
		fetchers:          fetchers,
		stopChan:          make(chan struct{}),
		keyChan:           make(chan KeyEvent, 10),
		reconnectInterval: 5 * time.Second,
		reconnectTimeout:  30 * time.Second,
	}
}

// SetScreen replaces the terminal screen, e.g. with a simulation screen.
// It must be called before Run.
func (a *App) SetScreen(screen tcell.Screen) {
	a.screen = screen
}

// Run starts the TUI application main loop.
// It initializes the terminal, starts event handling, and runs the refresh loop.
// Returns an error if initialization fails or if an unrecoverable error occurs.
func (a *App) Run() error {
	if len(a.fetchers) == 0 {
		return fmt.Errorf("no drones to monitor")
	}
	if a.screen == nil {
		screen, err := tcell.NewScreen()
		if err != nil {
			return fmt.Errorf("failed to create screen: %w", err)
		}
		a.screen = screen
	}
	if err := a.screen.Init(); err != nil {
		return fmt.Errorf("failed to initialize screen: %w", err)
	}

	// Enable mouse support can cause issues on Windows, ensure it's disabled
	a.screen.DisableMouse()
	a.screen.Clear()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	a.mu.Lock()
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.pollEvents(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.refreshLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.reconnectLoop(ctx)
	}()

	a.refresh()
	a.render()

	shutdown := func() error {
		cancel()
		// PollEvent only returns once the screen is finalized.
		a.cleanup()
		wg.Wait()
		return nil
	}

	for {
		select {
		case <-a.stopChan:
			return shutdown()

		case <-sigChan:
			return shutdown()

		case event := <-a.keyChan:
			if a.handleKeyEvent(event) {
				return shutdown()
			}
			a.render()
		}
	}
}

// Stop gracefully stops the application.
func (a *App) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		close(a.stopChan)
		a.running = false
	}
}

// cleanup restores the terminal state.
func (a *App) cleanup() {
	if a.screen != nil {
		a.screen.Fini()
	}
}

// pollEvents polls for terminal events and sends them to the key channel.
func (a *App) pollEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			ev := a.screen.PollEvent()
			if ev == nil {
				return
			}

			switch e := ev.(type) {
			case *tcell.EventKey:
				select {
				case a.keyChan <- KeyEvent{Key: e.Key(), Rune: e.Rune(), Mod: e.Modifiers()}:
				case <-ctx.Done():
					return
				}
			case *tcell.EventResize:
				a.screen.Sync()
				a.render()
			}
		}
	}
}

// refreshLoop periodically refreshes the network state.
func (a *App) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(a.model.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.refresh()
			a.render()
		}
	}
}

// reconnectLoop handles automatic reconnection when disconnected.
func (a *App) reconnectLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.reconnectInterval):
			a.mu.RLock()
			connected := a.model.Connected
			a.mu.RUnlock()

			if !connected {
				a.attemptReconnect()
				a.render()
			}
		}
	}
}

// attemptReconnect tries to reach the watched drone again.
func (a *App) attemptReconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.model.ReconnectAttempts++
	a.model.LastReconnect = time.Now()

	if a.model.ReconnectAttempts > int(a.reconnectTimeout/a.reconnectInterval) {
		a.model.ErrorMessage = "Connection failed after 30 seconds. Check that the drone is running and reachable."
		return
	}

	if err := a.fetcher().Reconnect(); err != nil {
		a.model.ErrorMessage = fmt.Sprintf("Reconnection attempt %d failed: %v", a.model.ReconnectAttempts, err)
		return
	}

	a.model.Connected = true
	a.model.ReconnectAttempts = 0
	a.model.ErrorMessage = ""
	a.refreshLocked()
}

func (a *App) fetcher() DataFetcher {
	return a.fetchers[a.model.ActiveNode]
}

// refresh fetches the latest status and updates the model.
func (a *App) refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refreshLocked()
}

// refreshLocked fetches data without acquiring the lock (caller must hold lock).
func (a *App) refreshLocked() {
	f := a.fetcher()
	if !f.IsConnected() {
		a.model.Connected = false
		return
	}

	status, err := f.FetchStatus()
	if status != nil {
		a.model.Status = status
	}
	if err != nil {
		a.model.Connected = false
		a.model.ErrorMessage = fmt.Sprintf("Failed to fetch status: %v", err)
		return
	}

	a.model.Connected = true
	a.model.ErrorMessage = ""
	a.model.LastUpdated = time.Now()
}

// switchNode moves the dashboard to fetcher index i.
func (a *App) switchNode(i int) {
	if i < 0 || i >= len(a.fetchers) || i == a.model.ActiveNode {
		return
	}
	a.model.ActiveNode = i
	a.model.NodeName = a.fetchers[i].Name()
	a.model.Status = nil
	a.model.ReconnectAttempts = 0
	a.refreshLocked()
}

// render draws the current state to the screen.
func (a *App) render() {
	if a.screen == nil {
		return
	}

	width, height := a.screen.Size()
	if width <= 0 || height <= 0 {
		return
	}

	a.mu.Lock()
	a.footer.SetWidth(width)
	header := a.header.Render(a.model)
	body := a.view.Render(a.model)
	footer := a.footer.Render(a.model.TotalNodes)
	a.mu.Unlock()

	buf := NewBuffer(width, height)
	buf.DrawLine(0, Truncate(header, width), CurrentStyles.Header)

	row := 1
	for _, line := range strings.Split(strings.TrimSuffix(body, "\n"), "\n") {
		if row >= height-1 {
			break
		}
		buf.DrawString(0, row, Truncate(line, width), lineStyle(line))
		row++
	}

	if height > 1 {
		buf.DrawLine(height-1, Truncate(footer, width), CurrentStyles.Muted)
	}

	buf.ApplyToScreen(a.screen, 0, 0)
	a.screen.Show()
}

// lineStyle picks a style for one rendered body line. Focused panel borders
// keep their accent unless the line reports a drone that dropped out.
func lineStyle(line string) tcell.Style {
	switch {
	case strings.HasPrefix(line, "***"), strings.HasPrefix(line, "Error:"):
		return CurrentStyles.Error
	case strings.HasPrefix(line, "╔"), strings.HasPrefix(line, "╚"):
		return CurrentStyles.Focus
	case strings.HasPrefix(line, "║") && !mentionsState(line):
		return CurrentStyles.Focus
	default:
		return CurrentStyles.ForLine(line)
	}
}

// IsRunning returns whether the application is currently running.
func (a *App) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// GetModel returns the current model (for testing).
func (a *App) GetModel() *Model {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.model
}

// handleKeyEvent processes a keyboard event and updates the model.
// Returns true if the application should exit.
// Includes debouncing to handle Windows keyboard repeat issues where
// holding a key generates rapid duplicate events.
func (a *App) handleKeyEvent(event KeyEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Debounce: ignore same key within 200ms to prevent keyboard repeat
	// from triggering multiple actions
	now := time.Now()
	if now.Sub(a.lastKeyTime) < 200*time.Millisecond &&
		a.lastKey == event.Key && a.lastRune == event.Rune {
		return false
	}
	a.lastKeyTime = now
	a.lastKey = event.Key
	a.lastRune = event.Rune

	switch event.Key {
	case tcell.KeyCtrlC, tcell.KeyEscape:
		return true
	case tcell.KeyTab:
		if event.Mod&tcell.ModShift != 0 {
			a.model.PrevPanel()
		} else {
			a.model.NextPanel()
		}
		return false
	case tcell.KeyBacktab:
		a.model.PrevPanel()
		return false
	}

	switch r := event.Rune; {
	case r == 'q':
		return true
	case r == 'r':
		a.refreshLocked()
	case r >= '1' && r <= '9':
		a.switchNode(int(r - '1'))
	}
	return false
}
