/*
 * RemoteHub
 *
 * rh-server: the USB/IP-over-network server daemon
 */

package main

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/jlaitinen/remotehub/internal/beacon"
	"github.com/jlaitinen/remotehub/internal/ctrlsock"
	"github.com/jlaitinen/remotehub/internal/daemon"
	"github.com/jlaitinen/remotehub/internal/dnssd"
	"github.com/jlaitinen/remotehub/internal/event"
	"github.com/jlaitinen/remotehub/internal/flock"
	"github.com/jlaitinen/remotehub/internal/host"
	"github.com/jlaitinen/remotehub/internal/paths"
	"github.com/jlaitinen/remotehub/internal/rhconf"
	"github.com/jlaitinen/remotehub/internal/rherr"
	"github.com/jlaitinen/remotehub/internal/rhlog"
	"github.com/jlaitinen/remotehub/internal/subscribe"
	"github.com/jlaitinen/remotehub/internal/usbenum"
	"github.com/jlaitinen/remotehub/internal/usbip"
)

// protocolMajor/protocolMinor are the beacon-advertised protocol
// version, mirroring the original implementation's RH_VERSION_MAJOR/
// RH_VERSION_MINOR.
const (
	protocolMajor = 1
	protocolMinor = 0
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    standalone  - run forever, accepting incoming connections and
                  exporting local USB devices
    debug       - logs duplicated on console, -bg option is ignored
    check       - check configuration and exit
    status      - print rh-server status and exit

Options are:
    -bg         - run in background (ignored in debug mode)
`

// RunMode is the server's top-level run mode, the Go analogue of the
// teacher's main.go RunMode.
type RunMode int

const (
	RunDebug RunMode = iota
	RunStandalone
	RunCheck
	RunStatus
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
	}
	return fmt.Sprintf("unknown (%d)", int(m))
}

// RunParameters is the result of argv parsing.
type RunParameters struct {
	Mode       RunMode
	Background bool
}

func usage() {
	fmt.Printf(usageText, os.Args[0])
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
	for _, arg := range os.Args[1:] {
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
		case "-bg":
			params.Background = true
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

// printStatus queries a running rh-server daemon over the control
// socket and prints its reply, the Go analogue of the teacher's
// printStatus/StatusRetrieve.
func printStatus() {
	text, err := ctrlsock.Retrieve(paths.ServerControlSocket)
	if err != nil {
		rhlog.Console.Info(0, "%s", err)
		return
	}
	os.Stdout.Write(text)
}

// checkDevices lists the USB devices rh-server would currently
// consider exportable, the Go analogue of the teacher's RunCheck USB
// enumeration block.
func checkDevices(cfg rhconf.ServerConfig) {
	enum := usbenum.NewEnumerator(nil, cfg.DisabledBuses)
	defer enum.Close()

	result, err := enum.Poll()
	if err != nil {
		rhlog.Console.Info(0, "Can't read list of USB devices: %s", err)
		return
	}

	if len(result.Snapshot) == 0 {
		rhlog.Console.Info(0, "No exportable USB devices found")
		return
	}

	sort.Slice(result.Snapshot, func(i, j int) bool {
		return result.Snapshot[i].Addr.Less(result.Snapshot[j].Addr)
	})

	rhlog.Console.Info(0, "Exportable USB devices:")
	rhlog.Console.Info(0, " Num  Bus-ID        Vndr:Prod")
	for i, td := range result.Snapshot {
		rhlog.Console.Info(0, " %3d. %-12s  %4.4x:%4.4x",
			i+1, td.Device.BusID, td.Device.VendorID, td.Device.ProductID)
	}
}

// loadTLSConfig builds the server TLS configuration from cfg's
// certificate/key paths, decrypting the private key with cfg.KeyPass
// if it is PEM-encrypted.
func loadTLSConfig(cfg rhconf.ServerConfig) (*tls.Config, error) {
	if cfg.CertPath == "" {
		return nil, rherr.New(rherr.CertPathNotDefined, nil)
	}
	if cfg.KeyPath == "" {
		return nil, rherr.New(rherr.KeyPathNotDefined, nil)
	}

	certPEM, err := os.ReadFile(cfg.CertPath)
	if err != nil {
		return nil, rherr.New(rherr.InitGeneric, fmt.Errorf("read cert-path: %w", err))
	}

	keyPEM, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, rherr.New(rherr.InitGeneric, fmt.Errorf("read key-path: %w", err))
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, rherr.New(rherr.InitGeneric, errors.New("key-path: no PEM data found"))
	}

	//lint:ignore SA1019 encrypted PEM keys have no replacement in
	//the standard library; key-pass exists precisely to support them.
	if x509.IsEncryptedPEMBlock(block) {
		if cfg.KeyPass == "" {
			return nil, rherr.New(rherr.KeyPassNotDefined, nil)
		}
		der, err := x509.DecryptPEMBlock(block, []byte(cfg.KeyPass))
		if err != nil {
			return nil, rherr.New(rherr.InitGeneric, fmt.Errorf("key-path: decrypt: %w", err))
		}
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der})
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, rherr.New(rherr.InitGeneric, fmt.Errorf("load keypair: %w", err))
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// statusText renders rh-server's current status as the text served
// over the control socket, the Go analogue of the teacher's
// StatusFormat.
func statusText(h *host.Host) func() []byte {
	return func() []byte {
		devices := h.Snapshot()
		sort.Slice(devices, func(i, j int) bool {
			return devices[i].Addr.Less(devices[j].Addr)
		})

		text := fmt.Sprintf("rh-server daemon: running\nexported devices:")
		if len(devices) == 0 {
			text += " none\n"
			return []byte(text)
		}

		text += "\n"
		for _, td := range devices {
			state := "available"
			if td.Exported {
				state = "exported"
			}
			text += fmt.Sprintf(" %-12s  %4.4x:%4.4x  %s\n",
				td.Device.BusID, td.Device.VendorID, td.Device.ProductID, state)
		}
		return []byte(text)
	}
}

func main() {
	params := parseArgv()

	if params.Mode == RunStatus {
		printStatus()
		os.Exit(0)
	}

	cfg, err := rhconf.LoadServerConfig(paths.ServerConfPath)
	rhlog.Console.Check(err)

	if params.Mode == RunCheck {
		rhlog.Console.Info(0, "Configuration file: OK")
		checkDevices(cfg)
		os.Exit(0)
	}

	if os.Geteuid() != 0 {
		rhlog.Console.Exit(0, "rh-server requires root privileges")
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
		rhlog.Log.ToFile(paths.LogDir + "/rh-server.log")
	}
	rhlog.Log.SetLevels(cfg.LogMain)
	rhlog.Log.Cc(rhlog.LogAll, rhlog.Console)

	os.MkdirAll(paths.LockDir, 0755)
	lock, err := os.OpenFile(paths.ServerLockFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	rhlog.Log.Check(err)
	defer lock.Close()

	err = flock.Lock(lock, true, false)
	if errors.Is(err, flock.ErrBusy) {
		rhlog.Log.Exit(0, "rh-server is already running")
	}
	rhlog.Log.Check(err)
	defer flock.Unlock(lock)

	os.MkdirAll(paths.ProgState, 0755)

	rhlog.Log.Info(' ', "===============================")
	rhlog.Log.Info(' ', "rh-server started in %q mode, pid=%d", params.Mode, os.Getpid())
	defer rhlog.Log.Info(' ', "rh-server finished")

	var tlsCfg *tls.Config
	if cfg.UseTLS {
		tlsCfg, err = loadTLSConfig(cfg)
		rhlog.Log.Check(err)
	}

	bus := event.NewBus(rhlog.Log)

	h, err := host.Start(bus, cfg, tlsCfg, rhlog.Log)
	rhlog.Log.Check(err)

	sub := subscribe.Start(bus)
	sub.SetServerCallbacks(&subscribe.ServerCallbacks{
		OnDeviceStateChange: func(state subscribe.DeviceState, dev usbip.UsbDevice) {
			rhlog.Log.Info(' ', "device %s [%s]: %s", dev.BusID, dev.Path, state)
		},
	})

	var sender *beacon.Sender
	var beaconTask *event.Task
	if cfg.BroadcastOn {
		sender, err = beacon.NewSender(cfg.ServerName, cfg.UseTLS, uint16(cfg.Port), protocolMajor, protocolMinor)
		if err != nil {
			rhlog.Log.Error('!', "beacon: %s", err)
		} else {
			beaconTask = bus.Register("beacon-send", event.Timer5s)
			go func() {
				for {
					ev, ok := beaconTask.Recv()
					if !ok {
						break
					}
					if ev.Type == event.Timer5s {
						sender.Send()
					}
				}
				bus.Unregister(beaconTask)
			}()
		}
	}

	var announcer *dnssd.Announcer
	if cfg.MDNSAnnounce {
		announcer, err = dnssd.Announce(cfg.ServerName, cfg.Port, cfg.ServerName, rhlog.Log)
		if err != nil {
			rhlog.Log.Error('!', "dnssd: %s", err)
		}
	}

	ctrl, err := ctrlsock.Start(paths.ServerControlSocket, ctrlsock.StatusHandler(statusText(h)), rhlog.Log)
	if err != nil {
		rhlog.Log.Error('!', "ctrlsock: %s", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker1s := time.NewTicker(time.Second)
	ticker5s := time.NewTicker(5 * time.Second)
	defer ticker1s.Stop()
	defer ticker5s.Stop()

	go func() {
		for {
			select {
			case <-ticker1s.C:
				bus.Enqueue(&event.Event{Type: event.Timer1s})
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
	if announcer != nil {
		announcer.Unpublish()
	}
	if sender != nil {
		sender.Close()
	}
}
