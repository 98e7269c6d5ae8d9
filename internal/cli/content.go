package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/store"
)

func init() {
	contentCmd := &cobra.Command{
		Use:   "content",
		Short: "Register generated article variants",
	}
	contentCmd.AddCommand(newContentUpsertCmd())
	rootCmd.AddCommand(contentCmd)
}

func newContentUpsertCmd() *cobra.Command {
	var (
		variant      string
		title        string
		description  string
		sectionsFile string
		topicPattern string
	)

	cmd := &cobra.Command{
		Use:   "upsert <content-id>",
		Short: "Create or replace one variant of an article",
		Long: `Create or replace one variant of an article.

Sections are read from a JSON file as produced by the generator, e.g.
[{"type":"intro","content":"..."},{"type":"faq","items":[...]}].

Examples:
  contentloop content upsert coffee-heart --variant A --title "Is coffee good for your heart?" --sections a.json
  contentloop content upsert coffee-heart --variant B --title "Coffee and your heart" --topic-pattern pattern_a`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tag, err := store.ParseVariantTag(variant)
			if err != nil {
				return err
			}

			c := &store.ContentVariant{
				ContentID:    args[0],
				Tag:          tag,
				Title:        title,
				Description:  description,
				TopicPattern: topicPattern,
			}
			if sectionsFile != "" {
				data, err := os.ReadFile(sectionsFile)
				if err != nil {
					return fmt.Errorf("failed to read sections: %w", err)
				}
				if !json.Valid(data) {
					return fmt.Errorf("sections file %s is not valid JSON", sectionsFile)
				}
				c.Sections = data
			}

			return withStore(func(s *store.SQLiteStore) error {
				if err := s.UpsertContent(cmd.Context(), c); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s variant %s\n", c.ContentID, c.Tag)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variant, "variant", "v", "A", "variant tag (A or B)")
	cmd.Flags().StringVarP(&title, "title", "t", "", "article title (required)")
	cmd.Flags().StringVar(&description, "description", "", "meta description")
	cmd.Flags().StringVar(&sectionsFile, "sections", "", "JSON file with the article sections")
	cmd.Flags().StringVar(&topicPattern, "topic-pattern", "", "topic pattern the article was framed with")
	cmd.MarkFlagRequired("title")

	return cmd
}
