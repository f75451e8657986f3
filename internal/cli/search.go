package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"crewchat/core/internal/search"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search messages",
		Long:  "Search messages with Meilisearch when configured, PostgreSQL full-text search otherwise. --room narrows the search to one room.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}
	cmd.Flags().String("sender", "", "Only messages from this user id")
	cmd.Flags().Bool("include-flagged", false, "Include flagged messages")
	cmd.Flags().Int("limit", 20, "Max results")
	cmd.Flags().Int("offset", 0, "Skip this many results")
	cmd.Flags().Bool("reindex", false, "Rebuild the Meilisearch index from PostgreSQL first")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	sender, _ := cmd.Flags().GetString("sender")
	includeFlagged, _ := cmd.Flags().GetBool("include-flagged")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	reindex, _ := cmd.Flags().GetBool("reindex")

	s, err := openStack(cmd.Context())
	if err != nil {
		exitErr("connect", err)
	}
	defer s.Close()

	if reindex {
		s.search.ReindexAllFromPG(cmd.Context())
	}

	resp := s.search.Search(cmd.Context(), search.Query{
		Text:           strings.Join(args, " "),
		RoomID:         roomFlag,
		SenderID:       sender,
		IncludeFlagged: includeFlagged,
		Limit:          limit,
		Offset:         offset,
	})
	printJSON(resp)
}
