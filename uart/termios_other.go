//go:build !linux

package uart

import (
	"os"

	"periph.io/x/conn/v3/physic"

	"github.com/ardnew/tildabridge/pkg"
)

func baudConstant(physic.Frequency) (uint32, error) { return 0, pkg.ErrNotSupported }

func openFile(string) (*os.File, error) { return nil, pkg.ErrNotSupported }

func makeRaw(*os.File, uint32) error { return pkg.ErrNotSupported }

func setBreak(*os.File, bool) error { return pkg.ErrNotSupported }
