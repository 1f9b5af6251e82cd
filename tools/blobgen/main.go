// blobgen writes a synthetic game directory and object dump for exercising
// `lodestone mine` at realistic file sizes without shipping game data.
package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
)

type object struct {
	Bundle string         `json:"bundle"`
	PathID int64          `json:"path_id"`
	Type   string         `json:"type"`
	Data   map[string]any `json:"data"`
}

type item struct {
	id   string
	name string
	guid uint64
}

func main() {
	outDir := flag.String("out", "testdata/synthetic", "Output directory")
	recipes := flag.Int("recipes", 50, "Refinery recipes to emit")
	weapons := flag.Int("weapons", 20, "Weapons with a default rune")
	copies := flag.Int("copies", 4, "Placements of each weapon template in the scene bundle")
	sceneSize := flag.Int64("scene-size", 64<<20, "Scene bundle size in bytes")
	seed := flag.Uint64("seed", 1, "Random seed")
	flag.Parse()

	rng := rand.New(rand.NewPCG(*seed, *seed^0x9e3779b97f4a7c15))
	game := filepath.Join(*outDir, "game")
	if err := os.MkdirAll(filepath.Join(game, "StreamingAssets"), 0o755); err != nil {
		fatal(err)
	}

	var objs []object
	pathID := int64(1)
	add := func(prefix, name string) item {
		it := item{id: prefix + name, name: name, guid: rng.Uint64() | 1<<62}
		objs = append(objs,
			object{Bundle: "items_synthetic.bundle", PathID: pathID, Type: "MonoBehaviour", Data: map[string]any{
				"Id": it.id + ".Name", "English": it.name,
			}},
			object{Bundle: "items_synthetic.bundle", PathID: pathID + 1, Type: "MonoBehaviour", Data: map[string]any{
				"AssetGuid": map[string]any{"Value": it.guid}, "ItemNameMsg": map[string]any{"m_PathID": pathID},
			}},
		)
		pathID += 2
		return it
	}

	var db bytes.Buffer
	for i := range *recipes {
		in := add("items.raw.", fmt.Sprintf("ore%d", i))
		out := add("items.refined.", fmt.Sprintf("bar%d", i))
		db.Write(noise(rng, 64+rng.IntN(256)))
		writeRecipe(&db, in.guid, out.guid, uint64(1+rng.IntN(20)), float32(1+rng.IntN(60)))
	}
	if err := os.WriteFile(filepath.Join(game, "StreamingAssets", "quantumDatabase.bin"), db.Bytes(), 0o644); err != nil {
		fatal(err)
	}

	scene := noise(rng, int(*sceneSize))
	stride := int64(len(scene)) / int64(max(*weapons**copies, 1))
	slot := 0
	for i := range *weapons {
		w := add("items.gear.weapons.", fmt.Sprintf("blade%d", i))
		r := add("items.runes.", fmt.Sprintf("rune%d", i))
		gap := 24 + rng.IntN(200)
		for range *copies {
			base := int64(slot) * stride
			slot++
			if base+int64(gap)+8 > int64(len(scene)) {
				break
			}
			binary.LittleEndian.PutUint64(scene[base:], w.guid)
			binary.LittleEndian.PutUint64(scene[base+int64(gap):], r.guid)
		}
	}
	if err := os.WriteFile(filepath.Join(game, "static_scenes_all_0.bundle"), scene, 0o644); err != nil {
		fatal(err)
	}

	if err := writeObjects(filepath.Join(*outDir, "objects.jsonl"), objs); err != nil {
		fatal(err)
	}
	fmt.Printf("wrote %d objects, %d recipes, %d weapons to %s\n", len(objs), *recipes, *weapons, *outDir)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// noise avoids the bytes the refinery layout treats as markers so random
// filler never decodes as a record.
func noise(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(0x30 + rng.IntN(0x40))
	}
	return b
}

func writeRecipe(b *bytes.Buffer, in, out, qty uint64, minutes float32) {
	b.WriteString("RefineryItemRecipes")
	b.Write([]byte{0x00, 0x85})
	b.WriteString("InputItem")
	b.WriteByte(0xcf)
	b.Write(binary.BigEndian.AppendUint64(nil, in))
	b.WriteString("InputAmount")
	b.WriteByte(byte(qty))
	b.WriteString("OutputItem")
	b.Write([]byte{0xf2, 0x03})
	b.Write(binary.BigEndian.AppendUint64(nil, out))
	b.WriteString("OutputAmount")
	b.WriteByte(1)
	b.WriteString("MinutesToRefine")
	b.Write(binary.BigEndian.AppendUint32(nil, math.Float32bits(minutes)))
}

func writeObjects(path string, objs []object) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, o := range objs {
		if err := enc.Encode(o); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
