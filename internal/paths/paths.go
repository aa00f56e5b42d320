/*
 * RemoteHub
 *
 * Common filesystem paths
 */

// Package paths centralizes RemoteHub's on-disk path conventions.
package paths

const (
	// ConfDir is the directory searched for rh-server.conf/rh-client.conf.
	ConfDir = "/etc/remotehub"

	// ProgState is the root of RemoteHub's runtime state directory.
	ProgState = "/var/lib/remotehub"

	// LockDir holds the single-instance lock files.
	LockDir = ProgState + "/lock"

	// ServerLockFile is the rh-server single-instance lock.
	ServerLockFile = LockDir + "/rh-server.lock"

	// ClientLockFile is the rh-client single-instance lock.
	ClientLockFile = LockDir + "/rh-client.lock"

	// ServerControlSocket is rh-server's status control socket.
	ServerControlSocket = ProgState + "/rh-server.sock"

	// ClientControlSocket is rh-client's status control socket.
	ClientControlSocket = ProgState + "/rh-client.sock"

	// ServerConfPath is the default rh-server configuration file.
	ServerConfPath = ConfDir + "/rh-server.conf"

	// ClientConfPath is the default rh-client configuration file.
	ClientConfPath = ConfDir + "/rh-client.conf"

	// LogDir holds the main rotating log file and its backups.
	LogDir = ProgState + "/log"

	// VHCIStatusPath is the kernel's VHCI hub status sysfs file.
	VHCIStatusPath = "/sys/devices/platform/vhci_hcd.0/status"

	// VHCIAttachPath is the kernel's VHCI attach sysfs file.
	VHCIAttachPath = "/sys/devices/platform/vhci_hcd.0/attach"

	// VHCIDetachPath is the kernel's VHCI detach sysfs file.
	VHCIDetachPath = "/sys/devices/platform/vhci_hcd.0/detach"
)
