package core

import "context"

// Bridge executes commands against devices over the device-bridge protocol.
// Every call blocks and every failure is a *BridgeError.
type Bridge interface {
	// Devices lists the serials of connected, authorized devices.
	Devices(ctx context.Context) ([]string, error)
	// Shell runs a shell command on the device and returns its output.
	Shell(ctx context.Context, serial, command string) (string, error)
	Push(ctx context.Context, serial, localPath, remotePath string) error
	Pull(ctx context.Context, serial, remotePath, localPath string) error
	Install(ctx context.Context, serial, apkPath string) error
	Uninstall(ctx context.Context, serial, packageName string) error
}
