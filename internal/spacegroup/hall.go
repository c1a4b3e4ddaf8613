package spacegroup

import (
	"strconv"
	"strings"

	"pdfctl/internal/controlerr"
)

// Hall symbols encode a generator set explicitly: a lattice symbol followed by
// up to three rotation matrices with optional screw, axis and translation
// suffixes, and an optional origin shift in twelfths, e.g. "P 31 2c (0 0 1)".

var hallLattices = map[string][][3]int{
	"P": nil,
	"A": {{0, 6, 6}},
	"B": {{6, 0, 6}},
	"C": {{6, 6, 0}},
	"I": {{6, 6, 6}},
	"R": {{8, 4, 4}, {4, 8, 8}},
	"F": {{0, 6, 6}, {6, 0, 6}, {6, 6, 0}},
}

var hallTranslations = map[rune][3]int{
	'a': {6, 0, 0},
	'b': {0, 6, 0},
	'c': {0, 0, 6},
	'n': {6, 6, 6},
	'u': {3, 0, 0},
	'v': {0, 3, 0},
	'w': {0, 0, 3},
	'd': {3, 3, 3},
}

var hallRotations = map[string][3][3]int{
	"1":   {{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	"2x":  {{1, 0, 0}, {0, -1, 0}, {0, 0, -1}},
	"2y":  {{-1, 0, 0}, {0, 1, 0}, {0, 0, -1}},
	"2z":  {{-1, 0, 0}, {0, -1, 0}, {0, 0, 1}},
	"2'":  {{0, -1, 0}, {-1, 0, 0}, {0, 0, -1}},
	"2\"": {{0, 1, 0}, {1, 0, 0}, {0, 0, -1}},
	"3z":  {{0, -1, 0}, {1, -1, 0}, {0, 0, 1}},
	"3*":  {{0, 0, 1}, {1, 0, 0}, {0, 1, 0}},
	"4x":  {{1, 0, 0}, {0, 0, -1}, {0, 1, 0}},
	"4y":  {{0, 0, 1}, {0, 1, 0}, {-1, 0, 0}},
	"4z":  {{0, -1, 0}, {1, 0, 0}, {0, 0, 1}},
	"6z":  {{1, -1, 0}, {1, 0, 0}, {0, 0, 1}},
}

// ParseHall returns the generators of a Hall symbol, centring translations
// and the inversion of a centrosymmetric lattice included.
func ParseHall(symbol string) ([]Op, error) {
	s := strings.TrimSpace(symbol)
	var shift [3]int
	if i := strings.IndexByte(s, '('); i >= 0 {
		j := strings.IndexByte(s, ')')
		if j < i {
			return nil, controlerr.Value("Invalid Hall symbol %q", symbol)
		}
		fields := strings.Fields(s[i+1 : j])
		if len(fields) != 3 {
			return nil, controlerr.Value("Invalid origin shift in Hall symbol %q", symbol)
		}
		for k, f := range fields {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, controlerr.Value("Invalid origin shift in Hall symbol %q", symbol)
			}
			shift[k] = v
		}
		s = s[:i]
	}
	tokens := strings.Fields(s)
	if len(tokens) == 0 {
		return nil, controlerr.Value("Empty Hall symbol")
	}
	lat := tokens[0]
	centro := strings.HasPrefix(lat, "-")
	vecs, ok := hallLattices[strings.TrimPrefix(lat, "-")]
	if !ok {
		return nil, controlerr.Value("Unknown lattice %q in Hall symbol %q", lat, symbol)
	}
	var gens []Op
	for _, v := range vecs {
		gens = append(gens, Op{R: Identity().R, T: v})
	}
	if centro {
		gens = append(gens, Op{R: negate(Identity().R)})
	}
	prev := 0
	for pos, tok := range tokens[1:] {
		op, n, err := parseHallMatrix(tok, pos, prev)
		if err != nil {
			return nil, controlerr.Value("Hall symbol %q: %v", symbol, err)
		}
		gens = append(gens, op)
		prev = n
	}
	for i := range gens {
		gens[i] = shiftOrigin(gens[i], shift)
	}
	return gens, nil
}

func parseHallMatrix(tok string, pos, prev int) (Op, int, error) {
	t := tok
	improper := strings.HasPrefix(t, "-")
	t = strings.TrimPrefix(t, "-")
	if t == "" || !strings.ContainsRune("12346", rune(t[0])) {
		return Op{}, 0, controlerr.Value("bad rotation %q", tok)
	}
	n := int(t[0] - '0')
	t = t[1:]
	screw := 0
	if t != "" && t[0] >= '1' && t[0] <= '5' {
		screw = int(t[0] - '0')
		if screw >= n {
			return Op{}, 0, controlerr.Value("bad screw component in %q", tok)
		}
		t = t[1:]
	}
	axis := ""
	if t != "" && strings.ContainsRune("xyz'\"*", rune(t[0])) {
		axis = t[:1]
		t = t[1:]
	}
	var tr [3]int
	for _, c := range t {
		v, ok := hallTranslations[c]
		if !ok {
			return Op{}, 0, controlerr.Value("bad translation %q in %q", string(c), tok)
		}
		for i := range tr {
			tr[i] += v[i]
		}
	}

	key := "1"
	if n != 1 {
		if axis == "" {
			axis = defaultHallAxis(pos, n, prev)
		}
		key = strconv.Itoa(n) + axis
	}
	rot, ok := hallRotations[key]
	if !ok {
		return Op{}, 0, controlerr.Value("unsupported rotation %q", tok)
	}
	if screw > 0 {
		idx := strings.Index("xyz", axis)
		if idx < 0 {
			return Op{}, 0, controlerr.Value("screw along %q", axis)
		}
		tr[idx] += screw * denom / n
	}
	if improper {
		rot = negate(rot)
	}
	return Op{R: rot, T: tr}, n, nil
}

// defaultHallAxis applies the implied axis rules: the first rotation is along
// c, a following 2 is along a after 2 or 4 and along a-b after 3 or 6, and a
// third 3 lies on the body diagonal.
func defaultHallAxis(pos, n, prev int) string {
	switch {
	case pos == 0:
		return "z"
	case pos == 1 && n == 2 && (prev == 2 || prev == 4):
		return "x"
	case pos == 1 && n == 2 && (prev == 3 || prev == 6):
		return "'"
	case pos == 2 && n == 3:
		return "*"
	}
	return ""
}

func negate(r [3][3]int) [3][3]int {
	for i := range r {
		for j := range r[i] {
			r[i][j] = -r[i][j]
		}
	}
	return r
}

// shiftOrigin moves the origin by v twelfths: T' = T + v - R v.
func shiftOrigin(op Op, v [3]int) Op {
	for i := 0; i < 3; i++ {
		t := op.T[i] + v[i]
		for j := 0; j < 3; j++ {
			t -= op.R[i][j] * v[j]
		}
		op.T[i] = mod(t, denom)
	}
	return op
}

type hallEntry struct {
	number int
	name   string
	hall   string
}

// hallTable lists the standard setting of every space group: unique axis b,
// origin choice 1 and hexagonal axes for rhombohedral groups.
var hallTable = []hallEntry{
	{1, "P1", "P 1"},
	{2, "P-1", "-P 1"},
	{3, "P2", "P 2y"},
	{4, "P21", "P 2yb"},
	{5, "C2", "C 2y"},
	{6, "Pm", "P -2y"},
	{7, "Pc", "P -2yc"},
	{8, "Cm", "C -2y"},
	{9, "Cc", "C -2yc"},
	{10, "P2/m", "-P 2y"},
	{11, "P21/m", "-P 2yb"},
	{12, "C2/m", "-C 2y"},
	{13, "P2/c", "-P 2yc"},
	{14, "P21/c", "-P 2ybc"},
	{15, "C2/c", "-C 2yc"},
	{16, "P222", "P 2 2"},
	{17, "P2221", "P 2c 2"},
	{18, "P21212", "P 2 2ab"},
	{19, "P212121", "P 2ac 2ab"},
	{20, "C2221", "C 2c 2"},
	{21, "C222", "C 2 2"},
	{22, "F222", "F 2 2"},
	{23, "I222", "I 2 2"},
	{24, "I212121", "I 2b 2c"},
	{25, "Pmm2", "P 2 -2"},
	{26, "Pmc21", "P 2c -2"},
	{27, "Pcc2", "P 2 -2c"},
	{28, "Pma2", "P 2 -2a"},
	{29, "Pca21", "P 2c -2ac"},
	{30, "Pnc2", "P 2 -2bc"},
	{31, "Pmn21", "P 2ac -2"},
	{32, "Pba2", "P 2 -2ab"},
	{33, "Pna21", "P 2c -2n"},
	{34, "Pnn2", "P 2 -2n"},
	{35, "Cmm2", "C 2 -2"},
	{36, "Cmc21", "C 2c -2"},
	{37, "Ccc2", "C 2 -2c"},
	{38, "Amm2", "A 2 -2"},
	{39, "Abm2", "A 2 -2c"},
	{40, "Ama2", "A 2 -2a"},
	{41, "Aba2", "A 2 -2ac"},
	{42, "Fmm2", "F 2 -2"},
	{43, "Fdd2", "F 2 -2d"},
	{44, "Imm2", "I 2 -2"},
	{45, "Iba2", "I 2 -2c"},
	{46, "Ima2", "I 2 -2a"},
	{47, "Pmmm", "-P 2 2"},
	{48, "Pnnn", "P 2 2 -1n"},
	{49, "Pccm", "-P 2 2c"},
	{50, "Pban", "P 2 2 -1ab"},
	{51, "Pmma", "-P 2a 2a"},
	{52, "Pnna", "-P 2a 2bc"},
	{53, "Pmna", "-P 2ac 2"},
	{54, "Pcca", "-P 2a 2ac"},
	{55, "Pbam", "-P 2 2ab"},
	{56, "Pccn", "-P 2ab 2ac"},
	{57, "Pbcm", "-P 2c 2b"},
	{58, "Pnnm", "-P 2 2n"},
	{59, "Pmmn", "P 2 2ab -1ab"},
	{60, "Pbcn", "-P 2n 2ab"},
	{61, "Pbca", "-P 2ac 2ab"},
	{62, "Pnma", "-P 2ac 2n"},
	{63, "Cmcm", "-C 2c 2"},
	{64, "Cmca", "-C 2bc 2"},
	{65, "Cmmm", "-C 2 2"},
	{66, "Cccm", "-C 2 2c"},
	{67, "Cmma", "-C 2b 2"},
	{68, "Ccca", "C 2 2 -1bc"},
	{69, "Fmmm", "-F 2 2"},
	{70, "Fddd", "F 2 2 -1d"},
	{71, "Immm", "-I 2 2"},
	{72, "Ibam", "-I 2 2c"},
	{73, "Ibca", "-I 2b 2c"},
	{74, "Imma", "-I 2b 2"},
	{75, "P4", "P 4"},
	{76, "P41", "P 4w"},
	{77, "P42", "P 4c"},
	{78, "P43", "P 4cw"},
	{79, "I4", "I 4"},
	{80, "I41", "I 4bw"},
	{81, "P-4", "P -4"},
	{82, "I-4", "I -4"},
	{83, "P4/m", "-P 4"},
	{84, "P42/m", "-P 4c"},
	{85, "P4/n", "P 4ab -1ab"},
	{86, "P42/n", "P 4n -1n"},
	{87, "I4/m", "-I 4"},
	{88, "I41/a", "I 4bw -1bw"},
	{89, "P422", "P 4 2"},
	{90, "P4212", "P 4ab 2ab"},
	{91, "P4122", "P 4w 2c"},
	{92, "P41212", "P 4abw 2nw"},
	{93, "P4222", "P 4c 2"},
	{94, "P42212", "P 4n 2n"},
	{95, "P4322", "P 4cw 2c"},
	{96, "P43212", "P 4nw 2abw"},
	{97, "I422", "I 4 2"},
	{98, "I4122", "I 4bw 2bw"},
	{99, "P4mm", "P 4 -2"},
	{100, "P4bm", "P 4 -2ab"},
	{101, "P42cm", "P 4c -2c"},
	{102, "P42nm", "P 4n -2n"},
	{103, "P4cc", "P 4 -2c"},
	{104, "P4nc", "P 4 -2n"},
	{105, "P42mc", "P 4c -2"},
	{106, "P42bc", "P 4c -2ab"},
	{107, "I4mm", "I 4 -2"},
	{108, "I4cm", "I 4 -2c"},
	{109, "I41md", "I 4bw -2"},
	{110, "I41cd", "I 4bw -2c"},
	{111, "P-42m", "P -4 2"},
	{112, "P-42c", "P -4 2c"},
	{113, "P-421m", "P -4 2ab"},
	{114, "P-421c", "P -4 2n"},
	{115, "P-4m2", "P -4 -2"},
	{116, "P-4c2", "P -4 -2c"},
	{117, "P-4b2", "P -4 -2ab"},
	{118, "P-4n2", "P -4 -2n"},
	{119, "I-4m2", "I -4 -2"},
	{120, "I-4c2", "I -4 -2c"},
	{121, "I-42m", "I -4 2"},
	{122, "I-42d", "I -4 2bw"},
	{123, "P4/mmm", "-P 4 2"},
	{124, "P4/mcc", "-P 4 2c"},
	{125, "P4/nbm", "P 4 2 -1ab"},
	{126, "P4/nnc", "P 4 2 -1n"},
	{127, "P4/mbm", "-P 4 2ab"},
	{128, "P4/mnc", "-P 4 2n"},
	{129, "P4/nmm", "P 4ab 2ab -1ab"},
	{130, "P4/ncc", "P 4ab 2n -1ab"},
	{131, "P42/mmc", "-P 4c 2"},
	{132, "P42/mcm", "-P 4c 2c"},
	{133, "P42/nbc", "P 4n 2c -1n"},
	{134, "P42/nnm", "P 4n 2 -1n"},
	{135, "P42/mbc", "-P 4c 2ab"},
	{136, "P42/mnm", "-P 4n 2n"},
	{137, "P42/nmc", "P 4n 2n -1n"},
	{138, "P42/ncm", "P 4n 2ab -1n"},
	{139, "I4/mmm", "-I 4 2"},
	{140, "I4/mcm", "-I 4 2c"},
	{141, "I41/amd", "I 4bw 2bw -1bw"},
	{142, "I41/acd", "I 4bw 2aw -1bw"},
	{143, "P3", "P 3"},
	{144, "P31", "P 31"},
	{145, "P32", "P 32"},
	{146, "R3", "R 3"},
	{147, "P-3", "-P 3"},
	{148, "R-3", "-R 3"},
	{149, "P312", "P 3 2"},
	{150, "P321", `P 3 2"`},
	{151, "P3112", "P 31 2c (0 0 1)"},
	{152, "P3121", `P 31 2"`},
	{153, "P3212", "P 32 2c (0 0 -1)"},
	{154, "P3221", `P 32 2"`},
	{155, "R32", `R 3 2"`},
	{156, "P3m1", `P 3 -2"`},
	{157, "P31m", "P 3 -2"},
	{158, "P3c1", `P 3 -2"c`},
	{159, "P31c", "P 3 -2c"},
	{160, "R3m", `R 3 -2"`},
	{161, "R3c", `R 3 -2"c`},
	{162, "P-31m", "-P 3 2"},
	{163, "P-31c", "-P 3 2c"},
	{164, "P-3m1", `-P 3 2"`},
	{165, "P-3c1", `-P 3 2"c`},
	{166, "R-3m", `-R 3 2"`},
	{167, "R-3c", `-R 3 2"c`},
	{168, "P6", "P 6"},
	{169, "P61", "P 61"},
	{170, "P65", "P 65"},
	{171, "P62", "P 62"},
	{172, "P64", "P 64"},
	{173, "P63", "P 6c"},
	{174, "P-6", "P -6"},
	{175, "P6/m", "-P 6"},
	{176, "P63/m", "-P 6c"},
	{177, "P622", "P 6 2"},
	{178, "P6122", "P 61 2 (0 0 -1)"},
	{179, "P6522", "P 65 2 (0 0 1)"},
	{180, "P6222", "P 62 2c (0 0 1)"},
	{181, "P6422", "P 64 2c (0 0 -1)"},
	{182, "P6322", "P 6c 2c"},
	{183, "P6mm", "P 6 -2"},
	{184, "P6cc", "P 6 -2c"},
	{185, "P63cm", "P 6c -2"},
	{186, "P63mc", "P 6c -2c"},
	{187, "P-6m2", "P -6 2"},
	{188, "P-6c2", "P -6c 2"},
	{189, "P-62m", "P -6 -2"},
	{190, "P-62c", "P -6c -2c"},
	{191, "P6/mmm", "-P 6 2"},
	{192, "P6/mcc", "-P 6 2c"},
	{193, "P63/mcm", "-P 6c 2"},
	{194, "P63/mmc", "-P 6c 2c"},
	{195, "P23", "P 2 2 3"},
	{196, "F23", "F 2 2 3"},
	{197, "I23", "I 2 2 3"},
	{198, "P213", "P 2ac 2ab 3"},
	{199, "I213", "I 2b 2c 3"},
	{200, "Pm-3", "-P 2 2 3"},
	{201, "Pn-3", "P 2 2 3 -1n"},
	{202, "Fm-3", "-F 2 2 3"},
	{203, "Fd-3", "F 2 2 3 -1d"},
	{204, "Im-3", "-I 2 2 3"},
	{205, "Pa-3", "-P 2ac 2ab 3"},
	{206, "Ia-3", "-I 2b 2c 3"},
	{207, "P432", "P 4 2 3"},
	{208, "P4232", "P 4n 2 3"},
	{209, "F432", "F 4 2 3"},
	{210, "F4132", "F 4d 2 3"},
	{211, "I432", "I 4 2 3"},
	{212, "P4332", "P 4acd 2ab 3"},
	{213, "P4132", "P 4bd 2ab 3"},
	{214, "I4132", "I 4bd 2c 3"},
	{215, "P-43m", "P -4 2 3"},
	{216, "F-43m", "F -4 2 3"},
	{217, "I-43m", "I -4 2 3"},
	{218, "P-43n", "P -4n 2 3"},
	{219, "F-43c", "F -4c 2 3"},
	{220, "I-43d", "I -4bd 2c 3"},
	{221, "Pm-3m", "-P 4 2 3"},
	{222, "Pn-3n", "P 4 2 3 -1n"},
	{223, "Pm-3n", "-P 4n 2 3"},
	{224, "Pn-3m", "P 4n 2 3 -1n"},
	{225, "Fm-3m", "-F 4 2 3"},
	{226, "Fm-3c", "-F 4c 2 3"},
	{227, "Fd-3m", "F 4d 2 3 -1d"},
	{228, "Fd-3c", "F 4d 2 3 -1cd"},
	{229, "Im-3m", "-I 4 2 3"},
	{230, "Ia-3d", "-I 4bd 2c 3"},
}

// aliases maps the newer e-glide names to group numbers.
var aliases = map[string]int{
	"aem2": 39,
	"aea2": 41,
	"cmce": 64,
	"cmme": 67,
	"ccce": 68,
}
