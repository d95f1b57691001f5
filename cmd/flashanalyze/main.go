// Command flashanalyze decodes Saleae binary digital captures of a SPI NOR
// flash bus into flash commands, one line per chip-select bracketed frame.
package main

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
	flag "github.com/spf13/pflag"

	"github.com/soypat/spiflash/nor"
)

// Optional flags.
var (
	timingsOutput string
)

type Analyzer struct {
	Geometry nor.Geometry
	// Collapse merges identical consecutive frames, typically status polls,
	// into one line with a repeat count.
	Collapse     bool
	OmitReadData bool
	OmitStatus   bool
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "flashanalyze - Process Binary Saleae digital data files corresponding to SPI NOR flash transactions.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	mosi := flag.String("f-mosi", "digital_1.bin", "Input filename: SPI MOSI (host to flash) data.")
	miso := flag.String("f-miso", "digital_3.bin", "Input filename: SPI MISO (flash to host) data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI CLK data.")
	output := flag.StringP("output", "o", "commands.txt", "Output filename of flash command transactions. '-' writes to stdout.")
	flag.StringVar(&timingsOutput, "o-time", "", "Output timing data to a file corresponding to output command history line-by-line.")
	addrWidth := flag.Uint8("addr-width", 3, "Flash address bytes after the opcode, 3 or 4.")
	collapse := flag.Bool("collapse", true, "Merge identical consecutive frames into one line.")
	omitReadData := flag.Bool("omit-read-data", false, "Choose to omit read data in output.")
	omitStatus := flag.Bool("omit-status", false, "Choose to omit status register polls in output.")
	flag.Parse()

	g := nor.DefaultGeometry()
	g.AddrWidth = *addrWidth
	if err := g.Validate(); err != nil {
		log.Fatal(err)
	}
	an := Analyzer{
		Geometry:     g,
		Collapse:     *collapse,
		OmitReadData: *omitReadData,
		OmitStatus:   *omitStatus,
	}
	start := time.Now()
	if err := an.run(*mosi, *miso, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

func (an *Analyzer) run(mosi, miso, enable, clk, output string) error {
	frames, err := processSpiFiles(mosi, miso, clk, enable)
	if err != nil {
		return err
	}
	var w io.Writer = os.Stdout
	if output != "-" {
		fp, err := os.Create(output)
		if err != nil {
			return err
		}
		defer fp.Close()
		w = fp
	}

	var timings *os.File
	if timingsOutput != "" {
		log.Println("creating timings file", timingsOutput)
		timings, err = os.Create(timingsOutput)
		if err != nil {
			return err
		}
		defer timings.Close()
	}
	for _, tx := range an.process(frames) {
		_, err = fmt.Fprintln(w, tx.String())
		if err != nil {
			return err
		}
		if timings != nil {
			fmt.Fprintf(timings, "t=%f\tmosi=%#x\n", tx.Start, tx.Raw)
		}
	}
	return nil
}

// frame is one chip-select bracketed transfer.
type frame struct {
	MOSI  []byte
	MISO  []byte
	Start float64
}

func processSpiFiles(fmosi, fmiso, fclk, fenable string) ([]frame, error) {
	mosi, err := opendigital(fmosi)
	if err != nil {
		return nil, err
	}
	miso, err := opendigital(fmiso)
	if err != nil {
		return nil, err
	}
	clk, err := opendigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := opendigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, mosi, miso)
	frames := make([]frame, len(txs))
	for i, tx := range txs {
		frames[i] = frame{MOSI: tx.SDO, MISO: tx.SDI, Start: tx.StartTime()}
	}
	return frames, nil
}

func opendigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	df, err := saleae.ReadDigitalFile(fp)
	if err != nil {
		return nil, err
	}
	return df, nil
}

// flashtx is a decoded frame.
type flashtx struct {
	Num   int
	Cmd   nor.Command
	Err   error
	Resp  []byte
	Raw   []byte
	Start float64
}

func (tx flashtx) String() string {
	if tx.Err != nil {
		return fmt.Sprintf("cmd×%2d invalid: %v raw=%#x", tx.Num, tx.Err, tx.Raw)
	}
	s := fmt.Sprintf("cmd×%2d %s", tx.Num, tx.Cmd)
	switch c := tx.Cmd.(type) {
	case nor.ReadStatus:
		s += " status=" + nor.DecodeStatus(tx.Resp).String()
	case nor.ReadID:
		s += " id=" + nor.DecodeID(tx.Resp).String()
	case nor.PageProgram:
		s += fmt.Sprintf(" data=%#x", c.Data)
	default:
		if len(tx.Resp) > 0 {
			s += fmt.Sprintf(" data=%#x", tx.Resp)
		}
	}
	return s
}

// response returns the bytes clocked out by the chip after the command header.
func (an *Analyzer) response(cmd nor.Command, miso []byte) []byte {
	var skip int
	switch cmd.(type) {
	case nor.ReadStatus, nor.ReadID:
		skip = 1
	case nor.ReadData:
		skip = 1 + int(an.Geometry.AddrWidth)
	default:
		return nil
	}
	if len(miso) <= skip {
		return nil
	}
	return miso[skip:]
}

func (an *Analyzer) process(frames []frame) (txs []flashtx) {
	for i := 0; i < len(frames); i++ {
		f := frames[i]
		num := 1
		if an.Collapse {
			for j := i + 1; j < len(frames); j++ {
				if !bytes.Equal(f.MOSI, frames[j].MOSI) || !bytes.Equal(f.MISO, frames[j].MISO) {
					break
				}
				num++
				i = j
			}
		}
		cmd, err := nor.Decode(f.MOSI, an.Geometry)
		if _, ok := cmd.(nor.ReadStatus); ok && an.OmitStatus {
			continue
		}
		tx := flashtx{Num: num, Cmd: cmd, Err: err, Raw: f.MOSI, Start: f.Start}
		_, isRead := cmd.(nor.ReadData)
		if err == nil && !(isRead && an.OmitReadData) {
			tx.Resp = an.response(cmd, f.MISO)
		}
		txs = append(txs, tx)
	}
	return txs
}
