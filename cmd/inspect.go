package cmd

import (
	"bytes"
	"fmt"
	"net/mail"
	"os"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/evermail/ingest/mboxio"
)

var inspectTopN int

var inspectCmd = &cobra.Command{
	Use:   "inspect [mbox file]",
	Short: "Analyse a canonical mbox file and show frame statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer file.Close()

		counters := map[string]map[string]int{
			"From":    {},
			"To":      {},
			"Subject": {},
		}

		frames := 0
		unparsable := 0
		reader := mboxio.NewFrameReader(file)
		for {
			frame, ok := reader.Next()
			if !ok {
				break
			}
			if frame.Err != nil {
				return frame.Err
			}
			frames++

			msg, err := mail.ReadMessage(bytes.NewReader(frame.Raw))
			if err != nil {
				unparsable++
				continue
			}
			for header, counts := range counters {
				if value := msg.Header.Get(header); value != "" {
					counts[value]++
				}
			}
		}

		pterm.DefaultSection.Println("Archive statistics")
		pterm.Info.Printf("Frames: %d\n", frames)
		pterm.Info.Printf("Unparsable headers: %d\n", unparsable)
		pterm.Info.Printf("Bytes read: %d\n", reader.Offset())

		for _, header := range []string{"From", "To", "Subject"} {
			pterm.DefaultSection.Printf("Top %d %s\n", inspectTopN, header)
			if err := printTop(counters[header], inspectTopN); err != nil {
				return err
			}
		}
		return nil
	},
}

func printTop(counts map[string]int, limit int) error {
	type pair struct {
		value string
		count int
	}
	pairs := make([]pair, 0, len(counts))
	for value, count := range counts {
		pairs = append(pairs, pair{value, count})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].value < pairs[j].value
	})

	rows := pterm.TableData{{"Value", "Count"}}
	for i := 0; i < limit && i < len(pairs); i++ {
		value := pairs[i].value
		if len(value) > 80 {
			value = value[:77] + "..."
		}
		rows = append(rows, []string{value, strconv.Itoa(pairs[i].count)})
	}
	if len(rows) == 1 {
		fmt.Println("  (none)")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func init() {
	inspectCmd.Flags().IntVarP(&inspectTopN, "top", "t", 10, "Number of top items to display in statistics")
	rootCmd.AddCommand(inspectCmd)
}
