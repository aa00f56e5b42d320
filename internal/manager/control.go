/*
 * RemoteHub
 *
 * Client manager: control-plane exchanges (devlist, import)
 */

package manager

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jlaitinen/remotehub/internal/link"
	"github.com/jlaitinen/remotehub/internal/rhconf"
	"github.com/jlaitinen/remotehub/internal/usbip"
)

// dialTimeout bounds how long a control-plane connection attempt may
// take before the manager gives up on a DEVICELIST_REQUEST or
// ATTACH_REQUESTED, matching the original implementation's
// connect-or-fail-fast posture.
const dialTimeout = 5 * time.Second

// dial opens a Link to addr:port, TLS or plain per cfg, the Go
// analogue of client_conn's use_tls dispatch in network.c.
func dial(cfg rhconf.ClientConfig, ip string, port uint16) (*link.Link, error) {
	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))

	if !cfg.UseTLS {
		return link.DialTcp(addr, dialTimeout)
	}

	tlsCfg := &tls.Config{ServerName: ip}
	if cfg.CAPath != "" {
		pem, err := os.ReadFile(cfg.CAPath)
		if err != nil {
			return nil, fmt.Errorf("manager: read ca-path: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("manager: ca-path: no certificates found in %s", cfg.CAPath)
		}
		tlsCfg.RootCAs = pool
	} else {
		tlsCfg.InsecureSkipVerify = true
	}

	return link.DialTls(addr, tlsCfg, dialTimeout)
}

// fetchDevicelist performs the OP_REQ_DEVLIST/OP_REP_DEVLIST exchange
// against ip:port, the Go analogue of exec_usbip_devlist_command.
func fetchDevicelist(cfg rhconf.ClientConfig, ip string, port uint16) ([]usbip.DeviceRecord, error) {
	lk, err := dial(cfg, ip, port)
	if err != nil {
		return nil, err
	}
	defer lk.Close()

	if err := usbip.WriteDevlistRequest(lk); err != nil {
		return nil, err
	}

	op, err := usbip.ReadOpCommon(lk)
	if err != nil {
		return nil, err
	}
	if op.Code != usbip.OpRepDevlist || op.Status != usbip.StatusOK {
		return nil, fmt.Errorf("manager: devlist request rejected, status %d", op.Status)
	}

	return usbip.ReadDevlistReply(lk)
}

// importDevice performs the OP_REQ_IMPORT/OP_REP_IMPORT exchange for
// busid against ip:port. On success it returns the still-open Link
// (now ready to carry forwarding-mode traffic) and the server's
// UsbDevice record, the Go analogue of exec_usbip_import_command.
func importDevice(cfg rhconf.ClientConfig, ip string, port uint16, busid string) (*link.Link, usbip.UsbDevice, error) {
	lk, err := dial(cfg, ip, port)
	if err != nil {
		return nil, usbip.UsbDevice{}, err
	}

	if err := usbip.WriteImportRequest(lk, busid); err != nil {
		lk.Close()
		return nil, usbip.UsbDevice{}, err
	}

	op, err := usbip.ReadOpCommon(lk)
	if err != nil {
		lk.Close()
		return nil, usbip.UsbDevice{}, err
	}
	if op.Code != usbip.OpRepImport || op.Status != usbip.StatusOK {
		lk.Close()
		return nil, usbip.UsbDevice{}, fmt.Errorf("manager: import of %s rejected, status %d", busid, op.Status)
	}

	dev, err := usbip.ReadImportReply(lk, op)
	if err != nil {
		lk.Close()
		return nil, usbip.UsbDevice{}, err
	}

	return lk, dev, nil
}
