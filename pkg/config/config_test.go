package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/memscan/memscan/pkg/pointers"
	"github.com/memscan/memscan/pkg/value"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MEMSCAN_CONFIG_DIR", dir)

	c := LoadConfig()
	if _, err := os.Stat(filepath.Join(dir, configFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if !c.RegionFilter.Writable {
		t.Fatal("default config does not select writable mappings")
	}
	dt, err := c.ElementType()
	if err != nil || dt != value.Int32 {
		t.Fatalf("ElementType() = %v, %v", dt, err)
	}

	c.DataType = "f64"
	c.PointerMaxDepth = 5
	c.ProgressEvery = 200 * time.Millisecond
	if err := SaveConfig(c); err != nil {
		t.Fatal(err)
	}
	c2 := LoadConfig()
	if c2.DataType != "f64" || c2.PointerMaxDepth != 5 || c2.ProgressEvery != 200*time.Millisecond {
		t.Fatalf("reloaded config differs: %+v", c2)
	}
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
data-type: u16be
alignment: 1
workers: 2
region-filter:
  writable: true
  max-size: 1048576
pointer-max-offset: 0x20
pointer-size: 4
pointer-strategy: indexed
progress-every: 10ms
`))
	if err != nil {
		t.Fatal(err)
	}
	opts, err := c.CollectOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.DataType.String() != "u16be" || opts.Alignment != 1 || opts.Workers != 2 || !opts.Filter.Writable || opts.Filter.MaxSize != 1<<20 {
		t.Fatalf("unexpected collect options %+v", opts)
	}
	popts, err := c.PointerOptions()
	if err != nil {
		t.Fatal(err)
	}
	if popts.MaxOffset != 0x20 || popts.PointerSize != 4 || popts.Strategy != pointers.Indexed || popts.MinPointer != DefaultPointerMinValue {
		t.Fatalf("unexpected pointer options %+v", popts)
	}
	if c.CachePages() != pointers.ResolveCachePages {
		t.Fatalf("CachePages() = %d", c.CachePages())
	}

	for _, bad := range []string{
		"data-type: i24",
		"pointer-size: 2",
		"pointer-strategy: magic",
		"no-such-option: 1",
	} {
		if _, err := Parse([]byte(bad)); err == nil {
			t.Errorf("%q: expected an error", bad)
		}
	}
}
