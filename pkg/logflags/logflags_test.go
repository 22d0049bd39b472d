package logflags

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func resetFlags() {
	snapshot, scanner, pointers, debugger, task, engine = false, false, false, false, false, false
}

func TestSetupEnablesLayers(t *testing.T) {
	defer resetFlags()
	if err := Setup(true, "scanner,debugger", ""); err != nil {
		t.Fatal(err)
	}
	if !Scanner() || !Debugger() {
		t.Fatalf("expected scanner and debugger layers to be enabled")
	}
	if Snapshot() || Pointers() || Task() || Engine() {
		t.Fatalf("unexpected layer enabled")
	}
	if lvl := ScannerLogger().Logger.Level; lvl != logrus.DebugLevel {
		t.Fatalf("expected scanner logger level %v, got %v", logrus.DebugLevel, lvl)
	}
	if lvl := PointersLogger().Logger.Level; lvl != logrus.PanicLevel {
		t.Fatalf("expected pointers logger level %v, got %v", logrus.PanicLevel, lvl)
	}
}

func TestSetupDefaultLayer(t *testing.T) {
	defer resetFlags()
	if err := Setup(true, "", ""); err != nil {
		t.Fatal(err)
	}
	if !Engine() {
		t.Fatalf("expected engine layer to be enabled by default")
	}
}

func TestSetupLogOutputWithoutLog(t *testing.T) {
	defer resetFlags()
	if err := Setup(false, "scanner", ""); err != errLogstrWithoutLog {
		t.Fatalf("expected %v, got %v", errLogstrWithoutLog, err)
	}
}

func TestSetupLogDest(t *testing.T) {
	defer resetFlags()
	dest := filepath.Join(t.TempDir(), "memscan.log")
	if err := Setup(true, "task", dest); err != nil {
		t.Fatal(err)
	}
	TaskLogger().Infof("task %s started", "collect")
	Close()

	buf, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(buf), "task collect started") || !strings.Contains(string(buf), "layer=task") {
		t.Fatalf("unexpected log contents: %q", buf)
	}
}
