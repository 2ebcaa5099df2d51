package artifacts

import (
	"fmt"
	"io"
)

// EmitStdout prints the machine-readable KEY=VALUE contract for external
// tools. Keys are unique per run; order is not contractual.
func EmitStdout(w io.Writer, summary *Summary, layout *RunLayout) {
	fmt.Fprintf(w, "STATUS=%s\n", summary.Status)
	fmt.Fprintf(w, "RUN_DIR=%s\n", layout.RunDir)
	if gif := summary.Media["gif"]; gif != "" {
		fmt.Fprintf(w, "MEDIA_GIF=%s\n", gif)
	}
	if mp4 := summary.Media["mp4"]; mp4 != "" {
		fmt.Fprintf(w, "MEDIA_MP4=%s\n", mp4)
	}
	fmt.Fprintf(w, "SUMMARY=%s\n", layout.SummaryPath)
	if summary.Events != "" {
		fmt.Fprintf(w, "EVENTS=%s\n", summary.Events)
	}
}
