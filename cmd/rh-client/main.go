/*
 * RemoteHub
 *
 * rh-client: the USB/IP-over-network client daemon
 */

package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/jlaitinen/remotehub/internal/beacon"
	"github.com/jlaitinen/remotehub/internal/ctrlsock"
	"github.com/jlaitinen/remotehub/internal/daemon"
	"github.com/jlaitinen/remotehub/internal/event"
	"github.com/jlaitinen/remotehub/internal/flock"
	"github.com/jlaitinen/remotehub/internal/manager"
	"github.com/jlaitinen/remotehub/internal/paths"
	"github.com/jlaitinen/remotehub/internal/rhconf"
	"github.com/jlaitinen/remotehub/internal/rhlog"
	"github.com/jlaitinen/remotehub/internal/subscribe"
	"github.com/jlaitinen/remotehub/internal/usbip"
	"github.com/jlaitinen/remotehub/internal/vhci"
)

// protocolMajor/protocolMinor are the beacon-advertised protocol
// version this client understands, mirroring rh-server's.
const (
	protocolMajor = 1
	protocolMinor = 0
)

const usageText = `Usage:
    %s mode [options]
    %s list -r host[:port]
    %s attach -r host[:port] -b busid
    %s detach -r host[:port] -b busid

Modes are:
    standalone  - run the client daemon forever
    debug       - logs duplicated on console, -bg option is ignored
    check       - check configuration and exit
    status      - print rh-client status and exit

list/attach/detach talk to an already-running rh-client daemon over
its control socket.

Options are:
    -bg         - run in background (ignored in debug mode)
    -r host[:port]
    -b busid
`

// RunMode is rh-client's top-level run mode.
type RunMode int

const (
	RunDebug RunMode = iota
	RunStandalone
	RunCheck
	RunStatus
	RunList
	RunAttach
	RunDetach
)

func (m RunMode) String() string {
	switch m {
	case RunDebug:
		return "debug"
	case RunStandalone:
		return "standalone"
	case RunCheck:
		return "check"
	case RunStatus:
		return "status"
	case RunList:
		return "list"
	case RunAttach:
		return "attach"
	case RunDetach:
		return "detach"
	}
	return fmt.Sprintf("unknown (%d)", int(m))
}

// RunParameters is the result of argv parsing.
type RunParameters struct {
	Mode       RunMode
	Background bool
	Remote     string // host[:port], from -r
	BusID      string // from -b
}

func usage() {
	fmt.Printf(usageText, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	os.Exit(0)
}

func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}
	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

func parseArgv() (params RunParameters) {
	params.Mode = RunDebug

	modes := 0
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "-h", "-help", "--help":
			usage()
		case "standalone":
			params.Mode = RunStandalone
			modes++
		case "debug":
			params.Mode = RunDebug
			modes++
		case "check":
			params.Mode = RunCheck
			modes++
		case "status":
			params.Mode = RunStatus
			modes++
		case "list":
			params.Mode = RunList
			modes++
		case "attach":
			params.Mode = RunAttach
			modes++
		case "detach":
			params.Mode = RunDetach
			modes++
		case "-bg":
			params.Background = true
		case "-r":
			i++
			if i >= len(args) {
				usageError("-r requires an argument")
			}
			params.Remote = args[i]
		case "-b":
			i++
			if i >= len(args) {
				usageError("-b requires an argument")
			}
			params.BusID = args[i]
		default:
			usageError("Invalid argument %s", arg)
		}
	}

	if modes > 1 {
		usageError("Conflicting run modes")
	}
	if params.Mode == RunDebug {
		params.Background = false
	}

	return
}

func splitHostPort(remote string, defaultPort int) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(remote)
	if err != nil {
		return remote, uint16(defaultPort), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", remote)
	}
	return host, uint16(port), nil
}

// runDevicelistCommand/runAttachCommand/runDetachCommand are the
// one-shot CLI entry points that talk to an already-running daemon
// over its control socket, the Go analogue of the original usbip
// command-line tool's exec_usbip_devlist_command et al., relocated
// here since RemoteHub's manager runs inside the long-lived daemon
// rather than being invoked fresh per command.
func runDevicelistCommand(remote string) {
	if remote == "" {
		usageError("list requires -r host[:port]")
	}
	host, port, err := splitHostPort(remote, beacon.DefaultPort)
	rhlog.Console.Check(err)

	q := url.Values{"host": {host}, "port": {strconv.Itoa(int(port))}}
	body, err := ctrlsock.Query(paths.ClientControlSocket, "/devicelist?"+q.Encode())
	rhlog.Console.Check(err)

	os.Stdout.Write(body)
}

func runAttachCommand(remote, busid string) {
	if remote == "" || busid == "" {
		usageError("attach requires -r host[:port] -b busid")
	}
	host, port, err := splitHostPort(remote, beacon.DefaultPort)
	rhlog.Console.Check(err)

	q := url.Values{"host": {host}, "port": {strconv.Itoa(int(port))}, "busid": {busid}}
	body, err := ctrlsock.Query(paths.ClientControlSocket, "/attach?"+q.Encode())
	rhlog.Console.Check(err)

	os.Stdout.Write(body)
}

func runDetachCommand(remote, busid string) {
	if remote == "" || busid == "" {
		usageError("detach requires -r host[:port] -b busid")
	}
	host, port, err := splitHostPort(remote, beacon.DefaultPort)
	rhlog.Console.Check(err)

	q := url.Values{"host": {host}, "port": {strconv.Itoa(int(port))}, "busid": {busid}}
	body, err := ctrlsock.Query(paths.ClientControlSocket, "/detach?"+q.Encode())
	rhlog.Console.Check(err)

	os.Stdout.Write(body)
}

func printStatus() {
	text, err := ctrlsock.Retrieve(paths.ClientControlSocket)
	if err != nil {
		rhlog.Console.Info(0, "%s", err)
		return
	}
	os.Stdout.Write(text)
}

func statusText(m *manager.Manager) ctrlsock.StatusProvider {
	return func() []byte {
		devices := m.Snapshot()
		sort.Slice(devices, func(i, j int) bool {
			return devices[i].Device.BusID < devices[j].Device.BusID
		})

		text := "rh-client daemon: running\nattached devices:"
		if len(devices) == 0 {
			return []byte(text + " none\n")
		}

		text += "\n"
		for _, d := range devices {
			text += fmt.Sprintf(" %s:%d  %-12s  %4.4x:%4.4x  vhci-port %d\n",
				d.ServerIP, d.Port, d.Device.BusID, d.Device.VendorID, d.Device.ProductID, d.VhciPort)
		}
		return []byte(text)
	}
}

// requestTracker correlates a manager event-bus round trip (one of
// DevicelistRequest/AttachRequested/DetachRequested) with its reply,
// so an HTTP handler on the control socket can block for the result.
// Keyed by the same (ip, port[, busid]) triple the manager itself
// matches replies against.
type requestTracker struct {
	mu      sync.Mutex
	pending map[string]chan interface{}
}

func newRequestTracker() *requestTracker {
	return &requestTracker{pending: make(map[string]chan interface{})}
}

func (t *requestTracker) wait(key string) chan interface{} {
	ch := make(chan interface{}, 1)
	t.mu.Lock()
	t.pending[key] = ch
	t.mu.Unlock()
	return ch
}

func (t *requestTracker) resolve(key string, value interface{}) {
	t.mu.Lock()
	ch := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()

	if ch != nil {
		ch <- value
	}
}

func devicelistKey(ip string, port uint16) string {
	return fmt.Sprintf("devicelist:%s:%d", ip, port)
}

func attachKey(ip string, port uint16, busid string) string {
	return fmt.Sprintf("attach:%s:%d:%s", ip, port, busid)
}

func detachKey(ip string, port uint16, busid string) string {
	return fmt.Sprintf("detach:%s:%d:%s", ip, port, busid)
}

const requestTimeout = 15 * time.Second

// newControlMux builds the client daemon's control socket routes:
// /status plus /devicelist, /attach, /detach, each driving the
// manager over the event bus and blocking for its reply via tracker.
func newControlMux(bus *event.Bus, m *manager.Manager, tracker *requestTracker, log *rhlog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/status", ctrlsock.StatusHandler(statusText(m)))

	mux.HandleFunc("/devicelist", func(w http.ResponseWriter, r *http.Request) {
		ip := r.URL.Query().Get("host")
		port, _ := strconv.Atoi(r.URL.Query().Get("port"))

		key := devicelistKey(ip, uint16(port))
		ch := tracker.wait(key)
		bus.Enqueue(&event.Event{
			Type: event.DevicelistRequest,
			Data: &manager.DevicelistRequest{IP: ip, Port: uint16(port)},
		})

		select {
		case v := <-ch:
			records, _ := v.([]usbip.DeviceRecord)
			if records == nil {
				http.Error(w, "devicelist request failed", http.StatusBadGateway)
				return
			}
			var text string
			if len(records) == 0 {
				text = "no devices found\n"
			} else {
				text = " Bus-ID        Vndr:Prod\n"
				for _, rec := range records {
					text += fmt.Sprintf(" %-12s  %4.4x:%4.4x\n",
						rec.Device.BusID, rec.Device.VendorID, rec.Device.ProductID)
				}
			}
			w.Write([]byte(text))
		case <-time.After(requestTimeout):
			http.Error(w, "devicelist request timed out", http.StatusGatewayTimeout)
		}
	})

	mux.HandleFunc("/attach", func(w http.ResponseWriter, r *http.Request) {
		ip := r.URL.Query().Get("host")
		port, _ := strconv.Atoi(r.URL.Query().Get("port"))
		busid := r.URL.Query().Get("busid")

		dlKey := devicelistKey(ip, uint16(port))
		dlCh := tracker.wait(dlKey)
		bus.Enqueue(&event.Event{
			Type: event.DevicelistRequest,
			Data: &manager.DevicelistRequest{IP: ip, Port: uint16(port)},
		})

		var records []usbip.DeviceRecord
		select {
		case v := <-dlCh:
			records, _ = v.([]usbip.DeviceRecord)
		case <-time.After(requestTimeout):
			http.Error(w, "devicelist request timed out", http.StatusGatewayTimeout)
			return
		}

		var target *usbip.UsbDevice
		for i := range records {
			if records[i].Device.BusID == busid {
				target = &records[i].Device
				break
			}
		}
		if target == nil {
			http.Error(w, fmt.Sprintf("device %s not found on %s:%d", busid, ip, port), http.StatusNotFound)
			return
		}

		key := attachKey(ip, uint16(port), busid)
		ch := tracker.wait(key)
		bus.Enqueue(&event.Event{
			Type: event.AttachRequested,
			Data: &manager.AttachRequest{IP: ip, Port: uint16(port), Target: *target},
		})

		select {
		case v := <-ch:
			ok, _ := v.(bool)
			if !ok {
				http.Error(w, "attach failed", http.StatusBadGateway)
				return
			}
			w.Write([]byte(fmt.Sprintf("attached %s from %s:%d\n", busid, ip, port)))
		case <-time.After(requestTimeout):
			http.Error(w, "attach request timed out", http.StatusGatewayTimeout)
		}
	})

	mux.HandleFunc("/detach", func(w http.ResponseWriter, r *http.Request) {
		ip := r.URL.Query().Get("host")
		port, _ := strconv.Atoi(r.URL.Query().Get("port"))
		busid := r.URL.Query().Get("busid")

		key := detachKey(ip, uint16(port), busid)
		ch := tracker.wait(key)
		bus.Enqueue(&event.Event{
			Type: event.DetachRequested,
			Data: &manager.DetachRequest{IP: ip, Port: uint16(port), BusID: busid, Target: usbip.UsbDevice{BusID: busid}},
		})

		select {
		case v := <-ch:
			ok, _ := v.(bool)
			if !ok {
				http.Error(w, "detach failed", http.StatusBadGateway)
				return
			}
			w.Write([]byte(fmt.Sprintf("detached %s from %s:%d\n", busid, ip, port)))
		case <-time.After(requestTimeout):
			http.Error(w, "detach request timed out", http.StatusGatewayTimeout)
		}
	})

	_ = log
	return mux
}

func main() {
	params := parseArgv()

	switch params.Mode {
	case RunStatus:
		printStatus()
		os.Exit(0)
	case RunList:
		runDevicelistCommand(params.Remote)
		os.Exit(0)
	case RunAttach:
		runAttachCommand(params.Remote, params.BusID)
		os.Exit(0)
	case RunDetach:
		runDetachCommand(params.Remote, params.BusID)
		os.Exit(0)
	}

	cfg, err := rhconf.LoadClientConfig(paths.ClientConfPath)
	rhlog.Console.Check(err)

	if params.Mode == RunCheck {
		rhlog.Console.Info(0, "Configuration file: OK")
		if !vhci.IsAvailable() {
			rhlog.Console.Info(0, "vhci-hcd kernel driver is not loaded")
		} else {
			rhlog.Console.Info(0, "vhci-hcd kernel driver: OK")
		}
		os.Exit(0)
	}

	if os.Geteuid() != 0 {
		rhlog.Console.Exit(0, "rh-client requires root privileges")
	}

	if !vhci.IsAvailable() {
		rhlog.Console.Exit(0, "vhci-hcd kernel driver is not loaded")
	}

	if params.Background {
		exe, err := os.Executable()
		rhlog.Console.Check(err)
		err = daemon.Run(exe, "-bg")
		rhlog.Console.Check(err)
		os.Exit(0)
	}

	if params.Mode == RunDebug {
		rhlog.Console.SetLevels(cfg.LogConsole)
	} else {
		rhlog.Console.SetLevels(0)
		rhlog.Log.ToFile(paths.LogDir + "/rh-client.log")
	}
	rhlog.Log.SetLevels(cfg.LogMain)
	rhlog.Log.Cc(rhlog.LogAll, rhlog.Console)

	os.MkdirAll(paths.LockDir, 0755)
	lock, err := os.OpenFile(paths.ClientLockFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	rhlog.Log.Check(err)
	defer lock.Close()

	err = flock.Lock(lock, true, false)
	if errors.Is(err, flock.ErrBusy) {
		rhlog.Log.Exit(0, "rh-client is already running")
	}
	rhlog.Log.Check(err)
	defer flock.Unlock(lock)

	os.MkdirAll(paths.ProgState, 0755)

	rhlog.Log.Info(' ', "===============================")
	rhlog.Log.Info(' ', "rh-client started in %q mode, pid=%d", params.Mode, os.Getpid())
	defer rhlog.Log.Info(' ', "rh-client finished")

	bus := event.NewBus(rhlog.Log)
	m := manager.Start(bus, cfg, rhlog.Log)
	tracker := newRequestTracker()

	sub := subscribe.Start(bus)
	sub.SetClientCallbacks(&subscribe.ClientCallbacks{
		OnServerDiscovered: func(d beacon.Discovered) {
			rhlog.Log.Info(' ', "discovered server %q at %s:%d", d.Name, d.IP, d.Port)
		},
		OnDevicelistReady: func(ip string, port uint16, devices []usbip.DeviceRecord) {
			tracker.resolve(devicelistKey(ip, port), devices)
		},
		OnDevicelistFailed: func(ip string, port uint16) {
			tracker.resolve(devicelistKey(ip, port), []usbip.DeviceRecord(nil))
		},
		OnAttached: func(dev usbip.UsbDevice, ip string, port uint16) {
			rhlog.Log.Info(' ', "attached %s from %s:%d", dev.BusID, ip, port)
			tracker.resolve(attachKey(ip, port, dev.BusID), true)
		},
		OnAttachFailed: func(dev usbip.UsbDevice, ip string, port uint16) {
			rhlog.Log.Error('!', "attach of %s from %s:%d failed", dev.BusID, ip, port)
			tracker.resolve(attachKey(ip, port, dev.BusID), false)
		},
		OnDetached: func(dev usbip.UsbDevice, ip string, port uint16) {
			rhlog.Log.Info(' ', "detached %s from %s:%d", dev.BusID, ip, port)
			tracker.resolve(detachKey(ip, port, dev.BusID), true)
		},
		OnDetachFailed: func(dev usbip.UsbDevice, ip string, port uint16) {
			rhlog.Log.Error('!', "detach of %s from %s:%d failed", dev.BusID, ip, port)
			tracker.resolve(detachKey(ip, port, dev.BusID), false)
		},
	})

	var beaconListener *beacon.Listener
	if bl, err := beacon.NewListener(cfg.UseTLS, protocolMajor, protocolMinor); err != nil {
		rhlog.Log.Error('!', "beacon: %s", err)
	} else {
		beaconListener = bl
		go func() {
			for {
				d, ok, err := beaconListener.Receive()
				if err != nil {
					return
				}
				if ok {
					bus.Enqueue(&event.Event{Type: event.ServerDiscovered, Data: d})
				}
			}
		}()
	}

	ctrl, err := ctrlsock.Start(paths.ClientControlSocket, newControlMux(bus, m, tracker, rhlog.Log), rhlog.Log)
	if err != nil {
		rhlog.Log.Error('!', "ctrlsock: %s", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker5s := time.NewTicker(5 * time.Second)
	defer ticker5s.Stop()

	go func() {
		for {
			select {
			case <-ticker5s.C:
				bus.Enqueue(&event.Event{Type: event.Timer5s})
			case <-bus.Done():
				return
			}
		}
	}()

	go func() {
		<-sigCh
		rhlog.Log.Info(' ', "signal received, shutting down")
		bus.Enqueue(&event.Event{Type: event.Terminate})
	}()

	<-bus.Done()

	if ctrl != nil {
		ctrl.Stop()
	}
	if beaconListener != nil {
		beaconListener.Close()
	}
}
