// SPDX-FileCopyrightText: Copyright (c) 2020 Oliver Kuckertz, Siderolabs and Equinix
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/siderolabs/talos-vmbusd/internal/capcheck"
	"github.com/siderolabs/talos-vmbusd/internal/drivers"
	"github.com/siderolabs/talos-vmbusd/internal/hostos"
	"github.com/siderolabs/talos-vmbusd/pkg/hvcall"
	"github.com/siderolabs/talos-vmbusd/pkg/vmbus"
)

const (
	flagSkipHyperVDetection = "skip-hyperv-detection"
	flagACPIRoot            = "acpi-root"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "bring up the VMBus channel bus and keep it running",
	Long:  "run connects to the host, negotiates a VMBus protocol version, and keeps the channel table, GPADL allocator, and registered device drivers serviced until terminated",
	RunE:  runDaemon,
}

var errRunFailed = errors.New("error starting talos-vmbusd")

func init() {
	pf := runCmd.PersistentFlags()
	pf.Bool(flagSkipHyperVDetection, false, "skip the Hyper-V CPUID detection pre-flight")
	pf.String(flagACPIRoot, "", "override the ACPI sysfs root used for IRQ discovery (for testing)")

	if err := viper.BindPFlags(pf); err != nil {
		panic(err)
	}

	rootCmd.AddCommand(runCmd)
}

func runDaemon(_ *cobra.Command, _ []string) error {
	// Raw MSR and physical-memory access requires CAP_SYS_RAWIO.
	hascap, err := capcheck.HasCapability(capcheck.CapSysRawio)
	if err != nil {
		logger.Error("error checking capabilities", "err", err)

		return err
	}
	if !hascap {
		logger.Error("we lack CAP_SYS_RAWIO and cannot safely program MSRs or translate physical addresses")

		return fmt.Errorf("lacking capabilities")
	}

	if !viper.GetBool(flagSkipHyperVDetection) {
		if !hvcall.DetectHyperV() {
			logger.Error("CPUID does not advertise the Hyper-V hypervisor interface")

			return fmt.Errorf("not running under Hyper-V")
		}
	} else {
		logger.Info("skipping Hyper-V detection")
	}

	alloc, err := hostos.NewLinuxAllocator()
	if err != nil {
		logger.Error("error opening pagemap", "err", err)

		return errRunFailed
	}
	defer func() {
		if err := alloc.Close(); err != nil {
			logger.Warn("error closing pagemap", "err", err)
		}
	}()

	caller := &hvcall.HVCaller{}

	gw, err := hvcall.NewGateway(alloc, alloc, caller)
	if err != nil {
		logger.Error("error allocating hypercall page", "err", err)

		return errRunFailed
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("error releasing hypercall page", "err", err)
		}
	}()

	msr := hvcall.LinuxMSR{}
	if err := hvcall.EnableHypercallPage(msr, 0, gw.PhysAddr()); err != nil {
		logger.Error("error enabling hypercall page", "err", err)

		return errRunFailed
	}
	caller.Page = gw.Page()

	irqs := &hostos.ACPIIRQDiscoverer{Root: viper.GetString(flagACPIRoot)}
	ints := &hostos.LinuxInterruptInstaller{Log: logger.With("module", "interrupts")}
	pub := hostos.NewSysfsNodePublisher(viper.GetString(flagNodeRoot), logger.With("module", "nodes"))

	bus, err := vmbus.NewBus(vmbus.Config{
		Gateway:    gw,
		Alloc:      alloc,
		Xlate:      alloc,
		CPUs:       hostos.LinuxCPUBroadcaster{},
		MSR:        msr,
		IRQs:       irqs,
		Interrupts: ints,
		Publisher:  pub,
		Log:        logger.With("module", "vmbus"),
	})
	if err != nil {
		logger.Error("error constructing bus", "err", err)

		return errRunFailed
	}

	for _, d := range []drivers.Driver{
		drivers.NewHeartbeat(logger.With("driver", "heartbeat")),
	} {
		d.Register(bus)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := bus.Connect(ctx); err != nil {
		logger.Error("error connecting to host", "err", err)

		return errRunFailed
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("vmbus connected, awaiting channel offers")
	logger.Debug("signal received", "signal", <-sig)

	if err := bus.Close(); err != nil {
		logger.Warn("error during bus shutdown", "err", err)
	}

	logger.Info("graceful shutdown done, fair winds!")

	return nil
}
