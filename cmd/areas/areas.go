// Package areas implements inspection of the location hierarchy.
package areas

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkarvonen/plantcount-go/internal/conf"
	"github.com/jkarvonen/plantcount-go/internal/localization"
)

var resolveAt string

// Command creates the areas command for inspecting the location hierarchy.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "areas",
		Short: "Inspect the location hierarchy",
		Long:  "Print the site/zone/block/bed tree, or resolve a lat,lon pair to its deepest containing node.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAreas(settings)
		},
	}

	cmd.Flags().StringVar(&resolveAt, "resolve", "", "Resolve a \"lat,lon\" pair instead of printing the tree")

	return cmd
}

func runAreas(settings *conf.Settings) error {
	resolver, err := localization.LoadHierarchy(settings.Localization.HierarchyPath)
	if err != nil {
		return fmt.Errorf("loading location hierarchy: %w", err)
	}

	if resolveAt != "" {
		var lat, lon float64
		if _, err := fmt.Sscanf(resolveAt, "%f,%f", &lat, &lon); err != nil {
			return fmt.Errorf("invalid --resolve value %q, expected \"lat,lon\"", resolveAt)
		}
		node := resolver.Resolve(lat, lon)
		if node == nil {
			fmt.Println("no containing area")
			return nil
		}
		fmt.Printf("%s (%s, level %s)\n", node.Path(), node.ID, node.Level)
		return nil
	}

	for _, root := range resolver.Roots() {
		printNode(root, 0)
	}
	fmt.Printf("\n%d nodes total\n", resolver.Len())
	return nil
}

func printNode(n *localization.Node, depth int) {
	fmt.Printf("%s%s [%s] (%s)\n", strings.Repeat("  ", depth), n.Name, n.Level, n.ID)
	for _, child := range n.Children() {
		printNode(child, depth+1)
	}
}
