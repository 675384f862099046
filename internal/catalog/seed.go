package catalog

// seedImages is the built-in image library. Checksums are upstream-published
// SHA-256 digests of the release artifacts.
var seedImages = []Image{
	{
		OSID:         "ubuntu-24.04-desktop",
		Name:         "Ubuntu Desktop",
		Version:      "24.04.2",
		Category:     "linux",
		Architecture: "amd64",
		Icon:         "ubuntu.svg",
		URL:          "https://releases.ubuntu.com/24.04.2/ubuntu-24.04.2-desktop-amd64.iso",
		Checksum:     "d7fe3d6a0419667d2f8eff12796996328daa2d4f90cd9f87aa9371b362f987bf",
		ChecksumAlgo: "sha256",
		SizeBytes:    6343219200,
	},
	{
		OSID:         "ubuntu-24.04-server",
		Name:         "Ubuntu Server",
		Version:      "24.04.2",
		Category:     "linux",
		Architecture: "amd64",
		Icon:         "ubuntu.svg",
		URL:          "https://releases.ubuntu.com/24.04.2/ubuntu-24.04.2-live-server-amd64.iso",
		Checksum:     "d6dab0c3a657988501b4bd76f1297c053df710e06e0c3aece60dead24f270b4d",
		ChecksumAlgo: "sha256",
		SizeBytes:    3213064192,
	},
	{
		OSID:         "debian-12-netinst",
		Name:         "Debian",
		Version:      "12.9.0",
		Category:     "linux",
		Architecture: "amd64",
		Icon:         "debian.svg",
		URL:          "https://cdimage.debian.org/debian-cd/current/amd64/iso-cd/debian-12.9.0-amd64-netinst.iso",
		Checksum:     "1257373c706d8c07e6917942736a865dfff557d21d76ea3040bb1039eb72a054",
		ChecksumAlgo: "sha256",
		SizeBytes:    663748608,
	},
	{
		OSID:         "fedora-41-workstation",
		Name:         "Fedora Workstation",
		Version:      "41",
		Category:     "linux",
		Architecture: "x86_64",
		Icon:         "fedora.svg",
		URL:          "https://download.fedoraproject.org/pub/fedora/linux/releases/41/Workstation/x86_64/iso/Fedora-Workstation-Live-x86_64-41-1.4.iso",
		Checksum:     "a2dd3caf3224b8f3a640d9e31b1016d2fc21fe9157c1fc4ffd1642b0d7f80356",
		ChecksumAlgo: "sha256",
		SizeBytes:    2467348480,
	},
	{
		OSID:         "archlinux-latest",
		Name:         "Arch Linux",
		Version:      "2025.02.01",
		Category:     "linux",
		Architecture: "x86_64",
		Icon:         "arch.svg",
		URL:          "https://geo.mirror.pkgbuild.com/iso/2025.02.01/archlinux-2025.02.01-x86_64.iso",
		Checksum:     "",
		ChecksumAlgo: "",
		SizeBytes:    1202421760,
	},
	{
		OSID:         "linuxmint-22-cinnamon",
		Name:         "Linux Mint Cinnamon",
		Version:      "22.1",
		Category:     "linux",
		Architecture: "amd64",
		Icon:         "mint.svg",
		URL:          "https://mirrors.edge.kernel.org/linuxmint/stable/22.1/linuxmint-22.1-cinnamon-64bit.iso",
		Checksum:     "ccf482436df954c0ad6d41123a49fde79352ca71f7a684a97d5e0a0c39d7f39f",
		ChecksumAlgo: "sha256",
		SizeBytes:    2980511744,
	},
	{
		OSID:         "freebsd-14-disc1",
		Name:         "FreeBSD",
		Version:      "14.2",
		Category:     "bsd",
		Architecture: "amd64",
		Icon:         "freebsd.svg",
		URL:          "https://download.freebsd.org/releases/amd64/amd64/ISO-IMAGES/14.2/FreeBSD-14.2-RELEASE-amd64-disc1.iso",
		Checksum:     "b3f81f100718b4e55467dfa8e41456bea0e985cc0ebb91e38f500965cbd10d94",
		ChecksumAlgo: "sha256",
		SizeBytes:    1148518400,
	},
}
