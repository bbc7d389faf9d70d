package fwimage

import (
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/cesanta/errors"
)

// LoadFile reads path and dispatches to the loader matching its
// extension: ".hex" for Intel HEX, ".dfu"/".dfuse" for DfuSe, anything
// else as raw binary with a base address autodetected from the
// filename (spec §6.6).
func LoadFile(path string) (*Image, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to read firmware file %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex":
		return ParseIntelHex(data)
	case ".dfu", ".dfuse":
		dfuFile, err := ParseDfuSe(data)
		if err != nil {
			return nil, err
		}
		return dfuFile.ToImage()
	default:
		base, _ := DetectBaseAddressFromName(filepath.Base(path))
		return LoadRawBinary(data, base)
	}
}
