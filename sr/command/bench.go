package command

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"

	"github.com/seaweedfs/softraid/sr/stats"
	"github.com/seaweedfs/softraid/sr/storage/backend"
	"github.com/seaweedfs/softraid/sr/storage/softraid"
	"github.com/seaweedfs/softraid/sr/util"
)

type BenchmarkOptions struct {
	dir              *string
	level            *string
	chunks           *int
	chunkSize        *string
	blockSize        *string
	passphrase       *string
	concurrency      *int
	numberOfRequests *int
	write            *bool
	read             *bool
	cpuprofile       *string
	maxCpu           *int
	metricsIp        *string
	metricsPort      *int
	metricsPush      *string
}

var (
	b BenchmarkOptions
)

func init() {
	cmdBench.Run = runBench // break init cycle
	cmdBench.IsDebug = cmdBench.Flag.Bool("debug", false, "verbose debug information")
	b.dir = cmdBench.Flag.String("dir", "", "directory for the chunk files, a temporary one by default")
	b.level = cmdBench.Flag.String("level", "raid1", "[raid1|crypto] volume discipline")
	b.chunks = cmdBench.Flag.Int("chunks", 2, "number of mirror chunks")
	b.chunkSize = cmdBench.Flag.String("size", "256MiB", "size of each chunk file")
	b.blockSize = cmdBench.Flag.String("bs", "4KiB", "request size, a multiple of 512 bytes")
	b.passphrase = cmdBench.Flag.String("passphrase", "benchmark", "passphrase of a crypto volume")
	b.concurrency = cmdBench.Flag.Int("c", 16, "number of concurrent writers or readers")
	b.numberOfRequests = cmdBench.Flag.Int("n", 4096, "number of requests for each worker")
	b.write = cmdBench.Flag.Bool("write", true, "enable write")
	b.read = cmdBench.Flag.Bool("read", true, "enable read, verifying what the write phase stored")
	b.cpuprofile = cmdBench.Flag.String("cpuprofile", "", "cpu profile output file")
	b.maxCpu = cmdBench.Flag.Int("maxCpu", 0, "maximum number of CPUs. 0 means all available CPUs")
	b.metricsIp = cmdBench.Flag.String("metricsIp", "", "metrics listen ip")
	b.metricsPort = cmdBench.Flag.Int("metricsPort", 0, "Prometheus metrics listen port")
	b.metricsPush = cmdBench.Flag.String("metrics.address", "", "Prometheus push gateway address")
}

var cmdBench = &Command{
	UsageLine: "bench -level=raid1 -chunks=2 -size=256MiB -c=16 -n=4096",
	Short:     "benchmark a softraid volume over chunk files",
	Long: `bench creates a volume over fresh chunk files and drives it.

  Two phases:
  1) every worker writes its own region of the volume
  2) every worker reads the region back and verifies it

  Volume tuning is read from softraid.toml (volume.max_wu, volume.sync_timeout,
  volume.transform_workers, ...) in ., $HOME/.softraid/ or /etc/softraid/.
  Requests refused because no work unit was free are retried with backoff.

  `,
}

func runBench(cmd *Command, args []string) bool {
	fmt.Printf("This is sr version %s %s %s\n", Version, runtime.GOOS, runtime.GOARCH)
	if *b.maxCpu < 1 {
		*b.maxCpu = runtime.NumCPU()
	}
	runtime.GOMAXPROCS(*b.maxCpu)
	if *b.cpuprofile != "" {
		f, err := os.Create(*b.cpuprofile)
		if err != nil {
			glog.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	chunkSize, err := humanize.ParseBytes(*b.chunkSize)
	if err != nil {
		glog.Fatalf("-size: %v", err)
	}
	bs, err := humanize.ParseBytes(*b.blockSize)
	if err != nil || bs == 0 || bs%softraid.BlockSize != 0 {
		glog.Fatalf("-bs %s: not a multiple of %d bytes", *b.blockSize, softraid.BlockSize)
	}

	util.LoadConfiguration("softraid", false)
	cfg, err := softraid.NewVolumeConfig(util.GetViper())
	if err != nil {
		glog.Fatalf("volume config: %v", err)
	}

	var opts softraid.CreateOptions
	switch *b.level {
	case "raid1":
		opts.Level = softraid.LevelMirror
	case "crypto":
		opts.Level = softraid.LevelCrypto
		opts.Passphrase = []byte(*b.passphrase)
		*b.chunks = 1
	default:
		glog.Fatalf("unknown level %q", *b.level)
	}
	opts.Name = "bench"

	dir := *b.dir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "sr-bench"); err != nil {
			glog.Fatal(err)
		}
		defer os.RemoveAll(dir)
	}
	var files []*backend.DiskFile
	var devs []backend.BlockDevice
	for i := 0; i < *b.chunks; i++ {
		df, err := backend.CreateDiskFile(filepath.Join(dir, fmt.Sprintf("chunk%d.dat", i)), chunkSize)
		if err != nil {
			glog.Fatal(err)
		}
		defer df.Close()
		files = append(files, df)
		devs = append(devs, df)
	}

	vol, err := softraid.Create(devs, opts, cfg)
	if err != nil {
		glog.Fatalf("create volume: %v", err)
	}
	fmt.Printf("Volume %s %s: %d chunks of %s, %s usable, requests of %s\n", vol.Name(), vol.Level(), len(files),
		humanize.IBytes(chunkSize), humanize.IBytes(vol.Size()*softraid.BlockSize), humanize.IBytes(bs))

	go stats.StartMetricsServer(*b.metricsIp, *b.metricsPort)
	go stats.LoopPushingMetric("sr-bench", stats.SourceName(*b.metricsPort), *b.metricsPush, 15)

	w := &benchWorkload{
		vol:         vol,
		blocks:      bs / softraid.BlockSize,
		concurrency: *b.concurrency,
		n:           *b.numberOfRequests,
	}
	w.region = vol.Size() / uint64(w.concurrency) / w.blocks * w.blocks
	if w.region < w.blocks {
		glog.Fatalf("volume of %d blocks too small for %d workers of %d blocks", vol.Size(), w.concurrency, w.blocks)
	}

	if *b.write {
		s := w.run("Writing Benchmark", func(worker int, blk uint64, buf []byte) error {
			fillPattern(buf, worker, blk)
			return vol.Write(blk, buf)
		})
		if err := vol.SyncCache(); err != nil {
			glog.Errorf("sync: %v", err)
		}
		s.printStats(w.concurrency)
	}
	if *b.read {
		want := make([][]byte, w.concurrency)
		for i := range want {
			want[i] = make([]byte, bs)
		}
		s := w.run("Randomly Reading Benchmark", func(worker int, blk uint64, buf []byte) error {
			if err := vol.Read(blk, buf); err != nil {
				return err
			}
			if *b.write {
				fillPattern(want[worker], worker, blk)
				if !bytes.Equal(buf, want[worker]) {
					return fmt.Errorf("block %d: read back differs from what was written", blk)
				}
			}
			return nil
		})
		s.printStats(w.concurrency)
	}

	info := vol.Info()
	fmt.Printf("\nVolume state %s, generation %d\n", info.State, info.Generation)
	for _, c := range info.Chunks {
		fmt.Printf("  chunk %d %-8s %s\n", c.ID, c.State, c.DevName)
	}
	if err := vol.Close(); err != nil {
		glog.Errorf("close volume: %v", err)
	}
	return true
}

type benchWorkload struct {
	vol         *softraid.Volume
	blocks      uint64 // per request
	region      uint64 // per worker
	concurrency int
	n           int
}

// run gives every worker n requests over its own region, in a shuffled order.
func (w *benchWorkload) run(testName string, op func(worker int, blk uint64, buf []byte) error) *benchStats {
	s := newBenchStats(w.concurrency)
	slots := w.region / w.blocks
	ctx := context.Background()

	finishChan := make(chan bool)
	var progress sync.WaitGroup
	progress.Add(1)
	go func() {
		defer progress.Done()
		s.checkProgress(testName, finishChan)
	}()

	s.start = time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for worker := 0; worker < w.concurrency; worker++ {
		g.Go(func() error {
			buf := make([]byte, w.blocks*softraid.BlockSize)
			local := &s.localStats[worker]
			local.total = w.n
			for i := 0; i < w.n; i++ {
				slot := uint64(i*7919) % slots
				blk := uint64(worker)*w.region + slot*w.blocks
				start := time.Now()
				err := backoff.Retry(func() error {
					err := op(worker, blk, buf)
					if errors.Is(err, softraid.ErrTryAgain) {
						return err
					}
					if err != nil {
						return backoff.Permanent(err)
					}
					return nil
				}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
				if err != nil {
					local.failed++
					glog.V(0).Infof("worker %d: %v", worker, err)
					continue
				}
				s.addSample(worker, time.Since(start))
				local.completed++
				local.transferred += int64(len(buf))
			}
			return nil
		})
	}
	g.Wait()
	s.end = time.Now()
	close(finishChan)
	progress.Wait()
	return s
}

func fillPattern(buf []byte, worker int, blk uint64) {
	for off := 0; off+16 <= len(buf); off += 16 {
		binary.LittleEndian.PutUint64(buf[off:], blk+uint64(off/softraid.BlockSize))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(worker))
	}
}

const (
	benchResolution = 10000 // 0.1 millisecond buckets up to one second
	benchBucket     = time.Second / benchResolution
)

// benchStats keeps a latency histogram per worker so samples need no locking.
type benchStats struct {
	localStats []benchStat
	start      time.Time
	end        time.Time
}

type benchStat struct {
	completed   int
	failed      int
	total       int
	transferred int64
	data        []int
	overflow    []int
}

var percentages = []int{50, 66, 75, 80, 90, 95, 98, 99, 100}

func newBenchStats(n int) *benchStats {
	s := &benchStats{localStats: make([]benchStat, n)}
	for i := range s.localStats {
		s.localStats[i].data = make([]int, benchResolution)
	}
	return s
}

func (s *benchStats) addSample(worker int, d time.Duration) {
	local := &s.localStats[worker]
	index := int(d / benchBucket)
	if index < len(local.data) {
		local.data[index]++
	} else {
		local.overflow = append(local.overflow, index)
	}
}

func (s *benchStats) checkProgress(testName string, finishChan chan bool) {
	fmt.Printf("\n------------ %s ----------\n", testName)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastCompleted, lastTransferred, lastTime := 0, int64(0), time.Now()
	for {
		select {
		case <-finishChan:
			return
		case t := <-ticker.C:
			completed, transferred, total := 0, int64(0), 0
			for _, localStat := range s.localStats {
				completed += localStat.completed
				transferred += localStat.transferred
				total += localStat.total
			}
			taken := t.Sub(lastTime).Seconds()
			fmt.Printf("Completed %d of %d requests, %3.1f%% %3.1f/s %s/s\n",
				completed, total, float64(completed)*100/float64(max(total, 1)),
				float64(completed-lastCompleted)/taken,
				humanize.IBytes(uint64(float64(transferred-lastTransferred)/taken)),
			)
			lastCompleted, lastTransferred, lastTime = completed, transferred, t
		}
	}
}

func (s *benchStats) printStats(concurrency int) {
	completed, failed, transferred := 0, 0, int64(0)
	data := make([]int, benchResolution)
	var overflow []int
	for _, localStat := range s.localStats {
		completed += localStat.completed
		failed += localStat.failed
		transferred += localStat.transferred
		for i, c := range localStat.data {
			data[i] += c
		}
		overflow = append(overflow, localStat.overflow...)
	}
	timeTaken := s.end.Sub(s.start).Seconds()
	fmt.Printf("\nConcurrency Level:      %d\n", concurrency)
	fmt.Printf("Time taken for tests:   %.3f seconds\n", timeTaken)
	fmt.Printf("Completed requests:     %d\n", completed)
	fmt.Printf("Failed requests:        %d\n", failed)
	fmt.Printf("Total transferred:      %s\n", humanize.IBytes(uint64(transferred)))
	fmt.Printf("Requests per second:    %.2f [#/sec]\n", float64(completed)/timeTaken)
	fmt.Printf("Transfer rate:          %s/sec\n", humanize.IBytes(uint64(float64(transferred)/timeTaken)))

	// flatten to sorted samples in bucket units
	sort.Ints(overflow)
	n, sum := 0, 0
	lo, hi := math.MaxInt, 0
	for i, c := range data {
		if c > 0 {
			n += c
			sum += c * i
			lo, hi = min(lo, i), max(hi, i)
		}
	}
	for _, o := range overflow {
		n++
		sum += o
		lo, hi = min(lo, o), max(hi, o)
	}
	if n == 0 {
		return
	}
	avg := float64(sum) / float64(n)
	varianceSum := 0.0
	for i, c := range data {
		if c > 0 {
			d := float64(i) - avg
			varianceSum += d * d * float64(c)
		}
	}
	for _, o := range overflow {
		d := float64(o) - avg
		varianceSum += d * d
	}
	std := math.Sqrt(varianceSum / float64(n))
	fmt.Printf("\nRequest Times (ms)\n")
	fmt.Printf("              min      avg        max      std\n")
	fmt.Printf("Total:        %2.1f      %3.1f       %3.1f      %3.1f\n", float32(lo)/10, float32(avg)/10, float32(hi)/10, std/10)

	fmt.Printf("\nPercentage of the requests served within a certain time (ms)\n")
	pi, seen := 0, 0
	report := func(bucket int) {
		for pi < len(percentages) && seen >= n*percentages[pi]/100 {
			fmt.Printf("  %3d%%    %5.1f ms\n", percentages[pi], float32(bucket)/10.0)
			pi++
		}
	}
	for i, c := range data {
		if c > 0 {
			seen += c
			report(i)
		}
	}
	for _, o := range overflow {
		seen++
		report(o)
	}
}
