// Package main provides the kmedia control client.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/moonggae/kmedia/internal/api/wire"
	"github.com/moonggae/kmedia/internal/app/playback"
	"github.com/moonggae/kmedia/internal/app/sleep"
)

var (
	app    = kingpin.New("kmediactl", "kmedia control client")
	server = app.Flag("server", "Daemon address").Default("http://localhost:7300").Envar("KMEDIA_SERVER").String()
	token  = app.Flag("token", "Control token").Envar("KMEDIA_TOKEN").String()

	playCmd     = app.Command("play", "Resume playback, or play the given files")
	playURIs    = playCmd.Arg("uri", "Media locations to play").Strings()
	playStart   = playCmd.Flag("start", "Start index").Int()
	pauseCmd    = app.Command("pause", "Pause playback")
	stopCmd     = app.Command("stop", "Stop playback and release the engine")
	nextCmd     = app.Command("next", "Skip to the next item")
	previousCmd = app.Command("previous", "Go back to the previous item")
	seekCmd     = app.Command("seek", "Seek within the current item")
	seekTo      = seekCmd.Arg("position", "Position, e.g. 1m30s").Required().Duration()
	volumeCmd   = app.Command("volume", "Set the volume")
	volumeLevel = volumeCmd.Arg("level", "Volume between 0 and 1").Required().Float32()
	repeatCmd   = app.Command("repeat", "Set the repeat mode")
	repeatMode  = repeatCmd.Arg("mode", "off, one or all").Required().Enum("off", "one", "all")
	shuffleCmd  = app.Command("shuffle", "Enable or disable shuffle")
	shuffleOn   = shuffleCmd.Arg("enabled", "true or false").Required().Bool()
	removeCmd   = app.Command("remove", "Remove items by id")
	removeIDs   = removeCmd.Arg("id", "Media ids").Required().Strings()
	watchCmd    = app.Command("watch", "Stream playback state")

	sleepCmd         = app.Command("sleep", "Start a sleep timer")
	sleepFor         = sleepCmd.Arg("duration", "Timer length, e.g. 30m").Required().Duration()
	sleepTrackEndCmd = app.Command("sleep-track-end", "Stop at the end of the current track")
	sleepCancelCmd   = app.Command("sleep-cancel", "Cancel the sleep timer")
	sleepWatchCmd    = app.Command("sleep-watch", "Stream the sleep timer state")
	sleepPresetsCmd  = app.Command("sleep-presets", "List sleep timer presets")

	cacheEnableCmd  = app.Command("cache-enable", "Enable or disable caching")
	cacheEnabled    = cacheEnableCmd.Arg("enabled", "true or false").Required().Bool()
	cacheSizeCmd    = app.Command("cache-size", "Set the cache size limit")
	cacheSizeMB     = cacheSizeCmd.Arg("mb", "Limit in megabytes").Required().Int()
	precacheCmd     = app.Command("precache", "Download an item into the cache")
	precacheURL     = precacheCmd.Arg("url", "Media URL").Required().String()
	precacheKey     = precacheCmd.Arg("key", "Cache key (media id)").Required().String()
	cacheRemoveCmd  = app.Command("cache-remove", "Remove cached items")
	cacheRemoveKeys = cacheRemoveCmd.Arg("key", "Cache keys").Required().Strings()
	cacheWatchCmd   = app.Command("cache-watch", "Stream cache status events")
	cacheWatchItem  = cacheWatchCmd.Arg("key", "Only this item").String()
	cacheUsageCmd   = app.Command("cache-usage", "Stream the cache size in use")
)

func main() {
	_ = godotenv.Load()
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch command {
	case playCmd.FullCommand():
		if len(*playURIs) == 0 {
			err = simple(ctx, wire.OpPlay)
		} else {
			err = send(ctx, wire.Command{Op: wire.OpPlayItems, Items: itemsFromURIs(*playURIs), Index: *playStart})
		}
	case pauseCmd.FullCommand():
		err = simple(ctx, wire.OpPause)
	case stopCmd.FullCommand():
		err = simple(ctx, wire.OpStop)
	case nextCmd.FullCommand():
		err = simple(ctx, wire.OpNext)
	case previousCmd.FullCommand():
		err = simple(ctx, wire.OpPrevious)
	case seekCmd.FullCommand():
		err = send(ctx, wire.Command{Op: wire.OpSeek, PositionMS: seekTo.Milliseconds()})
	case volumeCmd.FullCommand():
		err = send(ctx, wire.Command{Op: wire.OpSetVolume, Level: *volumeLevel})
	case repeatCmd.FullCommand():
		err = send(ctx, wire.Command{Op: wire.OpSetRepeat, Mode: *repeatMode})
	case shuffleCmd.FullCommand():
		err = send(ctx, wire.Command{Op: wire.OpSetShuffle, Enabled: *shuffleOn})
	case removeCmd.FullCommand():
		err = send(ctx, wire.Command{Op: wire.OpRemoveItems, IDs: *removeIDs})
	case watchCmd.FullCommand():
		err = watch(ctx, wire.ControlWatchPlaybackProcedure, struct{}{}, printState)

	case sleepCmd.FullCommand():
		err = printSleepReply(call(ctx, wire.ControlSleepStartProcedure, wire.SleepStart{DurationMS: sleepFor.Milliseconds()}))
	case sleepTrackEndCmd.FullCommand():
		err = printSleepReply(call(ctx, wire.ControlSleepStartTrackEndProcedure, struct{}{}))
	case sleepCancelCmd.FullCommand():
		_, err = call(ctx, wire.ControlSleepCancelProcedure, struct{}{})
	case sleepWatchCmd.FullCommand():
		err = watch(ctx, wire.ControlWatchSleepProcedure, struct{}{}, printSleep)
	case sleepPresetsCmd.FullCommand():
		for _, p := range sleep.Presets() {
			if p.UntilTrackEnd() {
				fmt.Printf("  %-8s kmediactl sleep-track-end\n", p.Label)
				continue
			}
			fmt.Printf("  %-8s kmediactl sleep %s\n", p.Label, p.Duration)
		}

	case cacheEnableCmd.FullCommand():
		_, err = call(ctx, wire.ControlCacheSetEnabledProcedure, wire.CacheEnabled{Enabled: *cacheEnabled})
	case cacheSizeCmd.FullCommand():
		_, err = call(ctx, wire.ControlCacheSetMaxSizeProcedure, wire.CacheMaxSize{MaxSizeMB: *cacheSizeMB})
	case precacheCmd.FullCommand():
		_, err = call(ctx, wire.ControlCachePrecacheProcedure, wire.Precache{URL: *precacheURL, Key: *precacheKey})
	case cacheRemoveCmd.FullCommand():
		_, err = call(ctx, wire.ControlCacheRemoveProcedure, wire.CacheKeys{Keys: *cacheRemoveKeys})
	case cacheWatchCmd.FullCommand():
		err = watch(ctx, wire.ControlWatchCacheStatusProcedure, wire.CacheStatusFilter{ItemID: *cacheWatchItem}, printCacheStatus)
	case cacheUsageCmd.FullCommand():
		err = watch(ctx, wire.ControlWatchCacheUsageProcedure, struct{}{}, printCacheUsage)
	}

	if err != nil && ctx.Err() == nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func newRequest(payload any) (*connect.Request[structpb.Struct], error) {
	msg, err := wire.Encode(payload)
	if err != nil {
		return nil, err
	}
	req := connect.NewRequest(msg)
	if *token != "" {
		req.Header().Set(wire.TokenHeader, *token)
	}
	return req, nil
}

func call(ctx context.Context, procedure string, payload any) (*structpb.Struct, error) {
	req, err := newRequest(payload)
	if err != nil {
		return nil, err
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](http.DefaultClient, *server+procedure)
	resp, err := client.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func send(ctx context.Context, cmd wire.Command) error {
	_, err := call(ctx, wire.ControlCommandProcedure, cmd)
	return err
}

func simple(ctx context.Context, op string) error {
	return send(ctx, wire.Command{Op: op})
}

// watch prints every message of a server stream until ctx is done.
func watch[T any](ctx context.Context, procedure string, payload any, show func(T)) error {
	req, err := newRequest(payload)
	if err != nil {
		return err
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](http.DefaultClient, *server+procedure)
	stream, err := client.CallServerStream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	for stream.Receive() {
		var v T
		if err := wire.Decode(stream.Msg(), &v); err != nil {
			return err
		}
		show(v)
	}
	return stream.Err()
}

// itemsFromURIs names each item after its file name.
func itemsFromURIs(uris []string) []wire.Item {
	items := make([]wire.Item, 0, len(uris))
	for _, uri := range uris {
		name := path.Base(uri)
		items = append(items, wire.Item{
			ID:    uri,
			Title: strings.TrimSuffix(name, path.Ext(name)),
			URI:   uri,
		})
	}
	return items
}

func printState(st wire.State) {
	snap := st.Snapshot()
	if !snap.HasMedia() {
		fmt.Printf("[%s] nothing loaded\n", snap.Status)
		return
	}
	pos, dur := "--:--", "--:--"
	if snap.Position != playback.TimeUnset {
		pos = sleep.DurationLabel(snap.Position)
	}
	if snap.Duration != playback.TimeUnset {
		dur = sleep.DurationLabel(snap.Duration)
	}
	fmt.Printf("[%s] %s #%d %s / %s vol=%.2f speed=%.2gx repeat=%s shuffle=%v\n",
		snap.Status, snap.MediaID, snap.Index, pos, dur, snap.Volume, snap.Speed, snap.RepeatMode, snap.Shuffle)
}

func printSleep(st wire.SleepState) {
	fmt.Printf("%s %s\n", time.Now().Format(time.TimeOnly), st.Text)
}

func printSleepReply(msg *structpb.Struct, err error) error {
	if err != nil {
		return err
	}
	var st wire.SleepState
	if err := wire.Decode(msg, &st); err != nil {
		return err
	}
	fmt.Println(st.Text)
	return nil
}

func printCacheStatus(ev wire.CacheStatus) {
	fmt.Printf("[%d] %s: %s\n", ev.SequenceNo, ev.ItemID, ev.Status)
}

func printCacheUsage(u wire.CacheUsage) {
	fmt.Printf("%s in use\n", humanize.Bytes(uint64(max(u.UsedBytes, 0))))
}
