package board

import (
	"io/ioutil"
	"strconv"
	"strings"

	"github.com/cesanta/errors"
	yaml "gopkg.in/yaml.v2"
)

// catalogOverrideEntry mirrors CatalogEntry but with YAML-friendly
// lowercase field names, following the teacher's manifest_parser.go
// pattern of a dedicated YAML-tagged struct distinct from the runtime
// type it feeds.
type catalogOverrideEntry struct {
	VID          string `yaml:"vid"`
	PID          string `yaml:"pid"`
	Name         string `yaml:"name"`
	MCU          string `yaml:"mcu"`
	Flasher      string `yaml:"flasher"`
	InBootloader bool   `yaml:"in_bootloader"`
}

type catalogOverrideFile struct {
	Boards []catalogOverrideEntry `yaml:"boards"`
}

// LoadCatalogOverride reads a YAML file of extra KNOWN_BOARDS entries
// and merges them into a copy of base (or KnownBoards if base is nil),
// letting the catalog grow without a rebuild (SPEC_FULL.md §C).
//
// Example file:
//
//	boards:
//	  - vid: "0x1209"
//	    pid: "5741"
//	    name: "Custom FC"
//	    mcu: "STM32F4"
//	    flasher: "dfu"
func LoadCatalogOverride(path string, base map[string]CatalogEntry) (map[string]CatalogEntry, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read board catalog override %s", path)
	}
	var f catalogOverrideFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Annotatef(err, "failed to parse board catalog override %s", path)
	}

	merged := map[string]CatalogEntry{}
	if base == nil {
		base = KnownBoards
	}
	for k, v := range base {
		merged[k] = v
	}
	for _, e := range f.Boards {
		vid, err := parseHexID(e.VID)
		if err != nil {
			return nil, errors.Annotatef(err, "bad vid %q for board %q", e.VID, e.Name)
		}
		pid, err := parseHexID(e.PID)
		if err != nil {
			return nil, errors.Annotatef(err, "bad pid %q for board %q", e.PID, e.Name)
		}
		merged[key(vid, pid)] = CatalogEntry{
			VID: vid, PID: pid, Name: e.Name,
			MCU:          mcuFromName(e.MCU),
			Flasher:      flasherFromName(e.Flasher),
			InBootloader: e.InBootloader,
		}
	}
	return merged, nil
}

func parseHexID(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	base := 16
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 0
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid hex id %q", s)
	}
	return uint16(v), nil
}

func mcuFromName(s string) MCUType {
	switch s {
	case "STM32F1":
		return MCUSTM32F1
	case "STM32F3":
		return MCUSTM32F3
	case "STM32F4":
		return MCUSTM32F4
	case "STM32F7":
		return MCUSTM32F7
	case "STM32H7":
		return MCUSTM32H7
	default:
		return MCUUnknown
	}
}

func flasherFromName(s string) FlasherKind {
	switch s {
	case "usart":
		return FlasherUSART
	case "dfu":
		return FlasherDFU
	case "ardupilot":
		return FlasherArduPilot
	default:
		return FlasherUnknown
	}
}
