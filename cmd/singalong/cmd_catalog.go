package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/satindergrewal/singalong/internal/catalog"
)

var (
	addName   string
	addSinger string
	addFile   string

	searchSinger string
	searchPage   int
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the song catalog",
}

var catalogAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a song file to the catalog",
	Long: `Add a song file to the catalog.

The search key is derived from the name: the first pinyin letter of each
Chinese character, other letters and digits kept.

Example:
  singalong catalog add --name 晴天 --singer 周杰伦 --file /media/qingtian.mp4
`,
	RunE: runCatalogAdd,
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search [keyword]",
	Short: "Search the catalog",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCatalogSearch,
}

func init() {
	catalogAddCmd.Flags().StringVar(&addName, "name", "", "Song name")
	catalogAddCmd.Flags().StringVar(&addSinger, "singer", "", "Singer")
	catalogAddCmd.Flags().StringVar(&addFile, "file", "", "Media file path")
	catalogAddCmd.MarkFlagRequired("name")
	catalogAddCmd.MarkFlagRequired("file")

	catalogSearchCmd.Flags().StringVar(&searchSinger, "singer", "", "Filter by singer")
	catalogSearchCmd.Flags().IntVar(&searchPage, "page", 0, "Result page, from 0")

	catalogCmd.AddCommand(catalogAddCmd, catalogSearchCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogAdd(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(addFile); err != nil {
		return fmt.Errorf("song file: %w", err)
	}
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	song, err := cat.AddSong(cmd.Context(), addName, addSinger, addFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "added %d %s (%s)\n", song.SongID, song.Name, song.Spell)
	return nil
}

func runCatalogSearch(cmd *cobra.Command, args []string) error {
	cat, err := openCatalog()
	if err != nil {
		return err
	}
	defer cat.Close()

	q := catalog.Query{Singer: searchSinger, Page: searchPage}
	if len(args) == 1 {
		q.Keyword = args[0]
	}
	res, err := cat.Search(cmd.Context(), q)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSINGER\tPLAYS")
	for _, s := range res.Songs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", s.SongID, s.Name, s.Singer, s.ClickCount)
	}
	tw.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "%d matches, page %d\n", res.Count, q.Page)
	return nil
}
