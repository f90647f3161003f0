package gpu

import (
	"context"
	"time"

	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const bytesPerMiB = 1024 * 1024

// NVML column names, fixed for every device.
var nvmlHeaders = []string{
	"gpu_nvml_util_pct",
	"gpu_nvml_mem_util_pct",
	"gpu_nvml_temp_c",
	"gpu_nvml_power_w",
	"gpu_nvml_fan_pct",
	"gpu_nvml_mem_used_mib",
}

// NVMLSampler polls the first NVIDIA device and publishes into a Store using
// the same header/latest contract as Reader.
type NVMLSampler struct {
	store    *Store
	interval time.Duration
	lib      nvmlController
	log      logger.Logger
}

func NewNVMLSampler(store *Store, interval time.Duration, log logger.Logger) *NVMLSampler {
	return &NVMLSampler{
		store:    store,
		interval: interval,
		lib:      &nvmlWrapper{},
		log:      log.With("nvml"),
	}
}

// Run initializes NVML, publishes headers and polls until ctx is done. An
// unusable NVML leaves the Store untouched, like a dead monitor process.
func (s *NVMLSampler) Run(ctx context.Context) {
	device, err := s.open()
	if err != nil {
		s.log.Warn().Err(err).Msg("NVML unavailable, GPU columns will read as zero")
		return
	}
	defer func() {
		if err := s.lib.Shutdown(); err != nil {
			s.log.Debug().Err(err).Msg("NVML shutdown failed")
		}
	}()

	s.store.SetHeaders(nvmlHeaders)
	s.log.Info().Int("columns", len(nvmlHeaders)).Msg("GPU columns discovered")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if latest, err := Poll(device); err == nil {
			s.store.SetLatest(latest)
		} else {
			s.log.Debug().Err(err).Msg("NVML sample dropped")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *NVMLSampler) open() (Device, error) {
	errFactory := errors.New()

	if err := s.lib.Initialize(); err != nil {
		return nil, err
	}

	count, err := s.lib.GetDeviceCount()
	if err != nil {
		_ = s.lib.Shutdown()
		return nil, err
	}
	if count == 0 {
		_ = s.lib.Shutdown()
		return nil, errFactory.New(ErrDeviceNotFound)
	}

	device, err := s.lib.GetDevice(0)
	if err != nil {
		_ = s.lib.Shutdown()
		return nil, err
	}

	return device, nil
}

// Poll reads one sample from device. Any failing query drops the whole
// sample so the Store never holds a partial row.
func Poll(device Device) (map[string]float64, error) {
	errFactory := errors.New()

	util, ret := device.GetUtilizationRates()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrSampleFailed, newNVMLError(ret))
	}
	temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrSampleFailed, newNVMLError(ret))
	}
	power, ret := device.GetPowerUsage()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrSampleFailed, newNVMLError(ret))
	}
	mem, ret := device.GetMemoryInfo()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrSampleFailed, newNVMLError(ret))
	}

	// Fanless devices report NOT_SUPPORTED; that is a 0, not a failure.
	fan, ret := device.GetFanSpeed()
	if !IsNVMLSuccess(ret) {
		fan = 0
	}

	return map[string]float64{
		"gpu_nvml_util_pct":     float64(util.Gpu),
		"gpu_nvml_mem_util_pct": float64(util.Memory),
		"gpu_nvml_temp_c":       float64(temp),
		"gpu_nvml_power_w":      float64(power) / 1000,
		"gpu_nvml_fan_pct":      float64(fan),
		"gpu_nvml_mem_used_mib": float64(mem.Used) / bytesPerMiB,
	}, nil
}

// NVMLHeaders returns the fixed NVML column names.
func NVMLHeaders() []string {
	out := make([]string, len(nvmlHeaders))
	copy(out, nvmlHeaders)
	return out
}
