package dial

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// writeStubADB writes a shell script that mimics adb for the subcommands the
// dialer uses, logging broadcast invocations to a file.
func writeStubADB(t *testing.T, devicesOutput string) (adbPath, logPath string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub adb script requires a POSIX shell")
	}
	dir := t.TempDir()
	adbPath = filepath.Join(dir, "adb")
	logPath = filepath.Join(dir, "calls.log")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"devices\" ]; then\n" +
		"  printf '%s\\n' 'List of devices attached' '" + devicesOutput + "'\n" +
		"  exit 0\n" +
		"fi\n" +
		"echo \"$@\" >> " + logPath + "\n" +
		"exit 0\n"
	if err := os.WriteFile(adbPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub adb: %v", err)
	}
	return adbPath, logPath
}

func TestDeviceAvailable(t *testing.T) {
	adb, _ := writeStubADB(t, "emulator-5554\tdevice")
	d := NewDialer(adb)
	if !d.DeviceAvailable(context.Background()) {
		t.Fatal("expected device to be reported available")
	}
}

func TestDeviceUnavailableWhenUnauthorized(t *testing.T) {
	adb, _ := writeStubADB(t, "emulator-5554\tunauthorized")
	d := NewDialer(adb)
	if d.DeviceAvailable(context.Background()) {
		t.Fatal("unauthorized device must not count as available")
	}
}

func TestDialBroadcastsIntent(t *testing.T) {
	adb, logPath := writeStubADB(t, "emulator-5554\tdevice")
	d := NewDialer(adb)

	if err := d.Dial(context.Background(), "+1 (555) 123-4567"); err != nil {
		t.Fatalf("dial: %v", err)
	}

	logged, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read call log: %v", err)
	}
	call := string(logged)
	if !strings.Contains(call, intentAction) {
		t.Fatalf("expected broadcast action in %q", call)
	}
	if !strings.Contains(call, "+15551234567") {
		t.Fatalf("expected normalized number in %q", call)
	}
}

func TestDialRejectsEmptyNumber(t *testing.T) {
	d := NewDialer("adb")
	if err := d.Dial(context.Background(), "  "); err == nil {
		t.Fatal("expected an error for an empty number")
	}
}

func TestDialFailsWithoutDevice(t *testing.T) {
	adb, _ := writeStubADB(t, "")
	d := NewDialer(adb)
	if err := d.Dial(context.Background(), "+15551234567"); err == nil {
		t.Fatal("expected an error when no device is attached")
	}
}
