package platform

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
)

// RealDetector implements Detector for the running process.
type RealDetector struct{}

// NewDetector creates a new platform detector.
func NewDetector() Detector {
	return &RealDetector{}
}

// Detect uses runtime for OS and architecture and gopsutil for the Linux
// distribution. A failed distribution lookup is not an error: the OS and
// architecture are enough for the User-Agent and most settings files.
func (d *RealDetector) Detect(ctx context.Context) (*Info, error) {
	info := &Info{
		OS:      runtime.GOOS,
		Arch:    normalizeArch(runtime.GOARCH),
		ArchRaw: runtime.GOARCH,
	}
	if home, err := os.UserHomeDir(); err == nil {
		info.Home = home
	}

	if runtime.GOOS != "linux" {
		return info, nil
	}
	distro, family, version, err := host.PlatformInformationWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("platform detection cancelled: %w", ctx.Err())
		}
		return info, nil
	}
	if distro = normalizeID(distro); distro != "" {
		info.Distro = distro
		info.Family = mapFamily(family, distro)
		info.Version = normalizeID(version)
	}
	return info, nil
}
