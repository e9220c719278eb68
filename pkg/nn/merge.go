package nn

import (
	flatbush "github.com/bmharper/flatbush-go"
)

// Scan all pairs of objects in 'input', and if they have a high IoU, and their classes are specified in 'mergeMap',
// then merge them into a single object.
// For example, a small pickup is often detected as both a "car" and a "truck", with slightly
// different boxes. With mergeMap {"truck": "car"}, the truck is removed and the car is kept.
// Returns the objects that should be retained, in their original order.
func MergeSimilarObjects(input []ObjectDetection, mergeMap map[string]string, config *ModelConfig, minIoU float32) []ObjectDetection {
	if len(input) < 2 || len(mergeMap) == 0 {
		return input
	}

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(input))
	for _, b := range input {
		fb.Add(int32(b.Box.X), int32(b.Box.Y), int32(b.Box.X2()), int32(b.Box.Y2()))
	}
	fb.Finish()

	deleted := map[int]bool{}
	nChanged := 1

	for nChanged != 0 {
		nChanged = 0
		for i, in := range input {
			if deleted[i] {
				continue
			}
			expectOtherClass, ok := mergeMap[config.ClassName(in.Class)]
			if !ok {
				continue
			}
			for _, j := range fb.Search(int32(in.Box.X), int32(in.Box.Y), int32(in.Box.X2()), int32(in.Box.Y2())) {
				if i == j || deleted[j] {
					continue
				}
				if config.ClassName(input[j].Class) != expectOtherClass {
					continue
				}
				if in.Box.IOU(input[j].Box) >= minIoU {
					// Delete the class on the 'left' of the map.
					deleted[i] = true
					nChanged++
					break
				}
			}
		}
	}

	if len(deleted) == 0 {
		return input
	}
	retain := make([]ObjectDetection, 0, len(input)-len(deleted))
	for i := range input {
		if !deleted[i] {
			retain = append(retain, input[i])
		}
	}
	return retain
}
