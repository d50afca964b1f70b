package command

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/seaweedfs/softraid/sr/storage/backend"
	"github.com/seaweedfs/softraid/sr/storage/softraid"
	"github.com/seaweedfs/softraid/sr/storage/softraid/crypto"
)

var (
	metaChunks *bool
)

func init() {
	cmdMeta.Run = runMeta // break init cycle
	metaChunks = cmdMeta.Flag.Bool("chunks", true, "list the chunk records")
}

var cmdMeta = &Command{
	UsageLine: "meta [-chunks=true] chunk_file ...",
	Short:     "dump and validate the softraid metadata of chunk files",
	Long: `Read the metadata region of every given chunk file, validate each copy
  and print the record the volume would assemble from.

  Copies are checked for magic, version, size and checksums, then against each
  other: a copy belonging to another volume, holding an older generation or
  claiming a chunk id already seen is reported as excluded.

  `,
}

func runMeta(cmd *Command, args []string) bool {
	if len(args) == 0 {
		return false
	}
	ok, err := dumpMeta(os.Stdout, args, *metaChunks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
	}
	if !ok {
		os.Exit(1)
	}
	return true
}

// dumpMeta prints the metadata of the chunk files at paths. ok is false when
// the metadata is unreadable or below quorum.
func dumpMeta(w io.Writer, paths []string, chunks bool) (ok bool, err error) {
	var devs []backend.BlockDevice
	for _, path := range paths {
		df, err := backend.OpenDiskFile(path)
		if err != nil {
			return false, fmt.Errorf("open chunk: %w", err)
		}
		defer df.Close()
		devs = append(devs, df)
	}

	res, err := softraid.ReadMetadata(devs)
	if err != nil {
		return false, err
	}

	md := res.Meta
	fmt.Fprintf(w, "volume %s %q\n", md.Volume.UUID, md.Volume.Name)
	fmt.Fprintf(w, "  level:      %s\n", md.Volume.Level)
	fmt.Fprintf(w, "  status:     %s\n", md.Volume.Status)
	fmt.Fprintf(w, "  size:       %s (%d blocks)\n", humanize.IBytes(md.Volume.Size*softraid.BlockSize), md.Volume.Size)
	fmt.Fprintf(w, "  generation: %d\n", md.Header.Ondisk)
	fmt.Fprintf(w, "  dirty:      %v\n", md.Header.Flags&softraid.MetaFlagDirty != 0)
	fmt.Fprintf(w, "  record:     %d bytes, %d optional\n", md.Header.Size, md.Header.OptCount)
	if opt, ok := md.Opt(softraid.OptCrypto); ok {
		if mk, err := crypto.UnmarshalMaskedKeys(opt.Payload); err != nil {
			fmt.Fprintf(w, "  keys:       %v\n", err)
		} else {
			fmt.Fprintf(w, "  keys:       %d masked, pbkdf2 %d rounds\n", crypto.KeyCount, mk.Rounds)
		}
	}

	if chunks {
		fmt.Fprintf(w, "\n  %-4s %-10s %-12s %-12s %s\n", "id", "status", "size", "coerced", "device")
		for _, cm := range md.Chunks {
			fmt.Fprintf(w, "  %-4d %-10s %-12s %-12s %s\n", cm.ID, cm.Status,
				humanize.IBytes(cm.Size*softraid.BlockSize), humanize.IBytes(cm.CoercedSize*softraid.BlockSize), cm.DevName)
		}
	}

	fmt.Fprintf(w, "\n%d of %d chunks in service hold consistent metadata\n", res.Valid, md.Quorum())
	for i, path := range paths {
		if res.Chunks[i] >= 0 {
			fmt.Fprintf(w, "  %s: chunk %d\n", path, res.Chunks[i])
		} else {
			fmt.Fprintf(w, "  %s: excluded: %v\n", path, res.Errs[i])
		}
	}
	return res.Quorate(), nil
}
