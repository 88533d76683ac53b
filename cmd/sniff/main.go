//go:build linux

// Command sniff drains one or all RX queues of a NIC through the
// batched capture engine, optionally filtering packets with a pcap
// expression, and reports receive rates.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/yerden/ringcap/capture"
	"github.com/yerden/ringcap/filter"
	"github.com/yerden/ringcap/ifacestat"
	"github.com/yerden/ringcap/xdpring"
)

type Config struct {
	Interface      string `yaml:"interface"`
	PreferZerocopy bool   `yaml:"prefer-zerocopy"`
	Filter         string `yaml:"filter"`
	Burst          int    `yaml:"burst"`
	TimeoutMS      int    `yaml:"timeout-ms"`
	NumFrames      uint32 `yaml:"num-frames"`
	FrameSize      uint32 `yaml:"frame-size"`
	RingSize       uint32 `yaml:"ring-size"`
	Queue          int    `yaml:"queue"` // -1 = all RX queues
	Count          uint64 `yaml:"count"` // 0 = unlimited
	Decode         bool   `yaml:"decode"`
	HWStats        bool   `yaml:"hw-stats"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fIface := flag.String("i", "", "interface")
	fZeroCopy := flag.Bool("z", false, "use zerocopy")
	fFilter := flag.String("f", "", "pcap filter expression")
	fBurst := flag.Int("b", 64, "receive batch size (1 = single-packet path)")
	fTimeout := flag.Int("t", 100, "receive timeout in ms (negative blocks)")
	fQueue := flag.Int("q", -1, "RX queue id (-1 = all)")
	fCount := flag.Uint64("n", 0, "stop after n accepted packets (0 = unlimited)")
	fDecode := flag.Bool("v", false, "decode and print every accepted packet")
	fHWStats := flag.Bool("hw", false, "print NIC hardware counters on exit")
	flag.Parse()

	conf := Config{
		Burst:     *fBurst,
		TimeoutMS: *fTimeout,
		Queue:     -1,
	}
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if *fIface != "" {
		conf.Interface = *fIface
	}
	if *fZeroCopy {
		conf.PreferZerocopy = true
	}
	if *fFilter != "" {
		conf.Filter = *fFilter
	}
	if *fQueue >= 0 {
		conf.Queue = *fQueue
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fDecode {
		conf.Decode = true
	}
	if *fHWStats {
		conf.HWStats = true
	}

	if conf.Interface == "" {
		return nil, errors.New("interface must be set (-i)")
	}
	if conf.Burst < 1 {
		return nil, errors.New("burst must be >= 1")
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "loading config")

	iface, err := xdpring.OpenInterface(conf.Interface, xdpring.InterfaceConfig{
		PreferZerocopy: conf.PreferZerocopy,
	})
	fatalIf(err, "initializing interface %q", conf.Interface)
	defer iface.Close()

	queues, err := iface.RXQueueIDs()
	fatalIf(err, "listing queue ids")
	if conf.Queue >= 0 {
		queues = []uint32{uint32(conf.Queue)}
	}
	if len(queues) == 0 {
		fatalIf(errors.New("none found"), "no RX queues on %s", conf.Interface)
	}

	timeout := time.Duration(conf.TimeoutMS) * time.Millisecond
	fmt.Fprintf(os.Stderr,
		"capture: iface=%s zerocopy=%t queues=%v burst=%d filter=%q\n",
		conf.Interface, conf.PreferZerocopy, queues, conf.Burst, conf.Filter,
	)

	var hwBefore ifacestat.Stats
	if conf.HWStats {
		hwBefore, err = ifacestat.Snapshot([]string{conf.Interface},
			ifacestat.RxPackets, ifacestat.RxBytes,
			ifacestat.RxDiscards, ifacestat.RxOutOfBuffer)
		fatalIf(err, "reading NIC counters")
	}

	var totalPackets, totalBytes atomic.Uint64
	var wg sync.WaitGroup

	start := time.Now()

	for _, qid := range queues {
		ring, err := iface.OpenRing(xdpring.RingConfig{
			QueueID:   qid,
			NumFrames: conf.NumFrames,
			FrameSize: conf.FrameSize,
			RingSize:  conf.RingSize,
		})
		fatalIf(err, "opening ring on queue %d", qid)

		rr, err := capture.NewRingReader(ring, timeout, conf.Burst)
		fatalIf(err, "creating reader on queue %d", qid)

		if conf.Filter != "" {
			insns, err := filter.Compile(conf.Filter, layers.LinkTypeEthernet, 65535)
			fatalIf(err, "compiling filter %q", conf.Filter)

			// Programs own their instruction storage, so each
			// reader installs its own copy.
			fp := new(filter.Program)
			fatalIf(fp.Install(insns), "installing filter")
			rr.SetFilter(fp)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		rr.NotifyWith(sig)

		wg.Add(1)
		go func(ring *xdpring.Ring, rr *capture.RingReader, qid uint32) {
			defer wg.Done()
			defer ring.Close()
			defer rr.Free()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for rr.LoopNext() {
				n := totalPackets.Add(1)
				totalBytes.Add(uint64(len(rr.Data())))

				if conf.Decode {
					pkt := gopacket.NewPacket(rr.Data(),
						layers.LayerTypeEthernet, gopacket.NoCopy)
					fmt.Printf("queue %d: %v\n", qid, pkt)
				}

				if conf.Count != 0 && n >= conf.Count {
					return
				}
			}

			var sigErr *capture.ErrSignal
			if err := rr.Err(); err != nil && !errors.As(err, &sigErr) {
				fmt.Fprintf(os.Stderr, "queue %d: %v\n", qid, err)
			}
		}(ring, rr, qid)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	p := message.NewPrinter(language.English)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastPackets, lastBytes uint64
	lastTime := start

loop:
	for {
		select {
		case <-done:
			break loop
		case now := <-ticker.C:
			elapsed := now.Sub(lastTime).Seconds()
			pkts := totalPackets.Load()
			bytes := totalBytes.Load()

			p.Printf("total=%d | cur=%.0f pps %.2f Mbit/s\n",
				pkts,
				float64(pkts-lastPackets)/elapsed,
				float64((bytes-lastBytes)*8)/elapsed/1e6,
			)

			lastPackets, lastBytes = pkts, bytes
			lastTime = now
			if conf.Count != 0 && pkts >= conf.Count {
				// Workers observe the count themselves; this
				// just stops the ticker output promptly.
				<-done
				break loop
			}
		}
	}

	elapsed := time.Since(start)
	p.Fprintf(os.Stderr, "finished: packets=%d bytes=%d duration=%s\n",
		totalPackets.Load(), totalBytes.Load(), elapsed.Round(time.Millisecond))

	if conf.HWStats {
		hwAfter, err := ifacestat.Snapshot([]string{conf.Interface},
			ifacestat.RxPackets, ifacestat.RxBytes,
			ifacestat.RxDiscards, ifacestat.RxOutOfBuffer)
		if err == nil {
			_ = ifacestat.Print(os.Stderr, hwAfter.Since(hwBefore), elapsed)
		}
	}
}
